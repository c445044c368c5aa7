package event

import (
	"fmt"
	"time"
)

// Type represents the kind of an event
type Type string

const (
	TypeServerRegistered   Type = "server_registered"
	TypeServerConnected    Type = "server_connected"
	TypeServerDisconnected Type = "server_disconnected"
	TypeServerDeregistered Type = "server_deregistered"
	TypeBusAdded           Type = "bus_added"
	TypeBusDeleted         Type = "bus_deleted"
	TypeDeviceAdded        Type = "device_added"
	TypeDeviceLocated      Type = "device_located"
	TypeDeviceNotFound     Type = "device_not_found"
	TypeDeviceDeleted      Type = "device_deleted"
	TypeDeviceValue        Type = "device_value"
	TypeDeviceAlarm        Type = "device_alarm"
)

// Message is one observable event
type Message struct {
	Type      Type
	Timestamp time.Time
	Data      interface{}
}

// Server identifies a server by address in server lifecycle events
type Server struct {
	Address string
}

// Bus identifies a bus by owning server and slash-joined path
type Bus struct {
	Server string
	Path   string
}

// Device identifies a device in add/locate/delete events
type Device struct {
	ID string
}

// Value carries one polled reading
type Value struct {
	ID    string
	Name  string
	Value interface{}
}

// Alarm carries an alarm occurrence and the pre-reset bounds recorded
// while clearing it
type Alarm struct {
	ID      string
	Reasons map[string]interface{}
}

func formatData(data interface{}) string {
	switch d := data.(type) {
	case Server:
		return fmt.Sprintf("{server: %s}", d.Address)
	case Bus:
		return fmt.Sprintf("{server: %s, path: %s}", d.Server, d.Path)
	case Device:
		return fmt.Sprintf("{device: %s}", d.ID)
	case Value:
		return fmt.Sprintf("{device: %s, %s: %v}", d.ID, d.Name, d.Value)
	case Alarm:
		return fmt.Sprintf("{device: %s, reasons: %v}", d.ID, d.Reasons)
	default:
		return fmt.Sprintf("%+v", data)
	}
}
