// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iothub

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/turtacn/iot-simulator/pkg/metrics"
)

const (
	apiVersion = "2021-04-12"

	// publishQoS asks the hub for a PUBACK, which is the delivery confirmation.
	publishQoS = 1

	disconnectQuiesceMs = 250
)

// Default client settings.
const (
	DefaultAckTimeout     = 30 * time.Second
	DefaultTokenTTL       = time.Hour
	DefaultConnectTimeout = 30 * time.Second
	DefaultKeepAlive      = 4 * time.Minute
)

// Logger is the logging capability the client needs.
type Logger interface {
	Printf(format string, v ...any)
}

// Options tune a Client. Zero values select the defaults.
type Options struct {
	Transport Transport
	// BrokerURL overrides the address derived from the connection string
	// and transport, e.g. "tcp://127.0.0.1:1883" for a local broker.
	BrokerURL      string
	TLSConfig      *tls.Config
	AckTimeout     time.Duration
	TokenTTL       time.Duration
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Logger         Logger
}

// Client publishes device-to-cloud messages over a single long-lived MQTT
// session. Reconnects are handled by paho's auto-reconnect.
type Client struct {
	cs     ConnectionString
	opts   Options
	broker string
	mqtt   mqtt.Client
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewClient prepares a client for cs. It does not connect.
func NewClient(cs ConnectionString, opts Options) (*Client, error) {
	if opts.Transport == "" {
		opts.Transport = TransportMQTT
	}
	if opts.Transport != TransportMQTT && opts.Transport != TransportMQTTWebSocket {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, opts.Transport)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}

	broker := opts.BrokerURL
	if broker == "" {
		broker = opts.Transport.BrokerURL(cs.Endpoint())
	}
	if _, err := url.Parse(broker); err != nil {
		return nil, fmt.Errorf("invalid broker url %q: %w", broker, err)
	}

	c := &Client{
		cs:     cs,
		opts:   opts,
		broker: broker,
		now:    time.Now,
	}
	if cs.SharedAccessKey != "" {
		// Fail early on a bad key instead of inside the credentials provider.
		if _, err := c.credentials(); err != nil {
			return nil, err
		}
	}
	c.mqtt = mqtt.NewClient(c.clientOptions())
	return c, nil
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(c.broker)
	o.SetClientID(c.cs.ClientID())
	o.SetProtocolVersion(4)
	o.SetCleanSession(false)
	o.SetKeepAlive(c.opts.KeepAlive)
	o.SetConnectTimeout(c.opts.ConnectTimeout)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetMaxReconnectInterval(time.Minute)
	if c.opts.TLSConfig != nil {
		o.SetTLSConfig(c.opts.TLSConfig)
	}

	// Credentials are minted on every (re)connect so an expired token is
	// never reused.
	o.SetCredentialsProvider(func() (string, string) {
		password, err := c.credentials()
		if err != nil {
			c.opts.Logger.Printf("Failed to create shared access signature: %v", err)
		}
		return c.username(), password
	})

	o.SetOnConnectHandler(func(mqtt.Client) {
		metrics.ConnectionsTotal.Inc()
		c.opts.Logger.Printf("Connected to %s as %s", c.broker, c.cs.ClientID())
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.ConnectionLostTotal.Inc()
		c.opts.Logger.Printf("Connection to %s lost: %v", c.broker, err)
	})
	o.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.opts.Logger.Printf("Reconnecting to %s", c.broker)
	})
	return o
}

func (c *Client) username() string {
	return c.cs.HostName + "/" + c.cs.ClientID() + "/?api-version=" + apiVersion
}

// credentials returns the MQTT password. X.509 identities authenticate with
// their certificate and send no password.
func (c *Client) credentials() (string, error) {
	if c.cs.X509 {
		return "", nil
	}
	return SharedAccessSignature(c.cs.ResourceURI(), c.cs.SharedAccessKey, c.cs.SharedAccessKeyName, c.now().Add(c.opts.TokenTTL))
}

// Broker returns the broker URL the client dials.
func (c *Client) Broker() string {
	return c.broker
}

// Connect starts the session and waits until it is established or ctx is
// done. On a ctx error paho keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}

	token := c.mqtt.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to %s: %w", c.broker, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect to %s: %w", c.broker, ctx.Err())
	}
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.mqtt.IsConnectionOpen()
}

// PublishAsync submits payload and returns immediately. onComplete is called
// exactly once, from another goroutine, with the delivery result.
func (c *Client) PublishAsync(payload []byte, onComplete func(Result)) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		go onComplete(ResultBecauseDestroy)
		return
	}
	if !c.mqtt.IsConnectionOpen() {
		go onComplete(ResultNotConnected)
		return
	}

	token := c.mqtt.Publish(c.topic(), publishQoS, false, payload)
	go func() {
		onComplete(c.await(token))
	}()
}

func (c *Client) await(token mqtt.Token) Result {
	if !token.WaitTimeout(c.opts.AckTimeout) {
		return ResultMessageTimeout
	}
	if err := token.Error(); err != nil {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return ResultBecauseDestroy
		}
		c.opts.Logger.Printf("Publish failed: %v", err)
		return ResultError
	}
	return ResultOK
}

// topic appends the system property bag to the events topic.
func (c *Client) topic() string {
	return c.cs.EventsTopic() +
		"$.mid=" + uuid.NewString() +
		"&$.ct=" + url.QueryEscape("application/json") +
		"&$.ce=utf-8"
}

// Close disconnects the session. Publishes in flight complete with
// ResultBecauseDestroy or ResultMessageTimeout. Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.mqtt.Disconnect(disconnectQuiesceMs)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}
