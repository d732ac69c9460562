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

// Package iothub implements the device side of an IoT Hub style MQTT
// ingestion endpoint: connection string handling, shared access signatures,
// transport selection and an asynchronous publisher built on paho.
package iothub

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Connection string keys.
const (
	keyHostName            = "HostName"
	keyDeviceID            = "DeviceId"
	keyModuleID            = "ModuleId"
	keySharedAccessKey     = "SharedAccessKey"
	keySharedAccessKeyName = "SharedAccessKeyName"
	keyGatewayHostName     = "GatewayHostName"
	keyX509                = "x509"
)

// RedactedMarker replaces access key material in logged connection strings.
const RedactedMarker = "xxxxx"

var accessKeyPattern = regexp.MustCompile(`AccessKey=.+`)

// Redact masks everything from the first "AccessKey=" to the end of the
// string. It also covers "SharedAccessKey=".
func Redact(connectionString string) string {
	return accessKeyPattern.ReplaceAllString(connectionString, "AccessKey="+RedactedMarker)
}

// ConnectionString is a parsed device connection string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
	X509                bool
}

// ParseConnectionString parses "Key=Value;Key=Value" pairs. HostName and
// DeviceId are required, and exactly one of SharedAccessKey or x509=true.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	if strings.TrimSpace(s) == "" {
		return cs, fmt.Errorf("%w: empty", ErrInvalidConnectionString)
	}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return ConnectionString{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, Redact(part))
		}
		switch key {
		case keyHostName:
			cs.HostName = value
		case keyDeviceID:
			cs.DeviceID = value
		case keyModuleID:
			cs.ModuleID = value
		case keySharedAccessKey:
			cs.SharedAccessKey = value
		case keySharedAccessKeyName:
			cs.SharedAccessKeyName = value
		case keyGatewayHostName:
			cs.GatewayHostName = value
		case keyX509:
			cs.X509 = strings.EqualFold(value, "true")
		default:
			// Unknown keys are tolerated so newer connection strings still parse.
		}
	}

	if cs.HostName == "" {
		return ConnectionString{}, fmt.Errorf("%w: missing %s", ErrInvalidConnectionString, keyHostName)
	}
	if cs.DeviceID == "" {
		return ConnectionString{}, fmt.Errorf("%w: missing %s", ErrInvalidConnectionString, keyDeviceID)
	}
	switch {
	case cs.X509 && cs.SharedAccessKey != "":
		return ConnectionString{}, fmt.Errorf("%w: %s and x509 are mutually exclusive", ErrInvalidConnectionString, keySharedAccessKey)
	case !cs.X509 && cs.SharedAccessKey == "":
		return ConnectionString{}, fmt.Errorf("%w: missing %s", ErrInvalidConnectionString, keySharedAccessKey)
	}
	if cs.SharedAccessKey != "" {
		if _, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey); err != nil {
			return ConnectionString{}, fmt.Errorf("%w: %s is not valid base64", ErrInvalidConnectionString, keySharedAccessKey)
		}
	}
	return cs, nil
}

// ClientID is the MQTT client identifier: the device ID, or "device/module"
// for module identities.
func (cs ConnectionString) ClientID() string {
	if cs.ModuleID != "" {
		return cs.DeviceID + "/" + cs.ModuleID
	}
	return cs.DeviceID
}

// ResourceURI is the audience of the device's shared access signature.
func (cs ConnectionString) ResourceURI() string {
	uri := cs.HostName + "/devices/" + cs.DeviceID
	if cs.ModuleID != "" {
		uri += "/modules/" + cs.ModuleID
	}
	return uri
}

// EventsTopic is the device-to-cloud telemetry topic prefix.
func (cs ConnectionString) EventsTopic() string {
	if cs.ModuleID != "" {
		return "devices/" + cs.DeviceID + "/modules/" + cs.ModuleID + "/messages/events/"
	}
	return "devices/" + cs.DeviceID + "/messages/events/"
}

// Endpoint is the host the transport dials, preferring a gateway if set.
func (cs ConnectionString) Endpoint() string {
	if cs.GatewayHostName != "" {
		return cs.GatewayHostName
	}
	return cs.HostName
}
