// Package telemetry decodes and routes the messages published by machine controllers.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"laundry-sync-backend/internal/parse"
)

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// ErrMalformed wraps every decoding and validation failure.
var ErrMalformed = errors.New("malformed telemetry payload")

// Lifecycle event names.
const (
	EventDone   = "DONE"
	EventOnline = "ONLINE"
)

// StatusMessage is the periodic state report of one machine.
type StatusMessage struct {
	MachineID  string  `json:"machineId" validate:"required,max=64"`
	State      string  `json:"state" validate:"required,max=32"`
	Progress   int     `json:"progress" validate:"min=0,max=100"`
	WaterLevel int     `json:"waterLevel" validate:"min=0"`
	Mode       string  `json:"mode" validate:"max=32"`
	OrderCode  *string `json:"orderCode"`
	DoorOpen   bool    `json:"doorOpen"`
	ErrorCode  *string `json:"errorCode" validate:"omitempty,max=64"`

	ReceivedAt time.Time `json:"-"`
}

// ErrorReport is a fault raised by a machine.
type ErrorReport struct {
	MachineID    string  `json:"machineId" validate:"required,max=64"`
	ErrorType    string  `json:"errorType" validate:"required,max=64"`
	ErrorMessage string  `json:"errorMessage" validate:"max=512"`
	OrderCode    *string `json:"orderCode"`

	ReceivedAt time.Time `json:"-"`
}

// LifecycleEvent announces a discrete occurrence such as cycle completion or boot.
type LifecycleEvent struct {
	MachineID string  `json:"machineId" validate:"required,max=64"`
	Event     string  `json:"event" validate:"required,max=32"`
	OrderCode *string `json:"orderCode"`
	Mode      *string `json:"mode"`

	ReceivedAt time.Time `json:"-"`
}

// DecodeStatus parses and validates a status payload.
func DecodeStatus(payload []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := decode(payload, &msg); err != nil {
		return StatusMessage{}, err
	}
	msg.MachineID = strings.TrimSpace(msg.MachineID)
	msg.State = strings.ToUpper(strings.TrimSpace(msg.State))
	code, err := normalizeOrderCode(msg.OrderCode)
	if err != nil {
		return StatusMessage{}, err
	}
	msg.OrderCode = code
	if msg.ErrorCode != nil && *msg.ErrorCode == "" {
		msg.ErrorCode = nil
	}
	return msg, nil
}

// DecodeError parses and validates an error report.
func DecodeError(payload []byte) (ErrorReport, error) {
	var msg ErrorReport
	if err := decode(payload, &msg); err != nil {
		return ErrorReport{}, err
	}
	msg.MachineID = strings.TrimSpace(msg.MachineID)
	code, err := normalizeOrderCode(msg.OrderCode)
	if err != nil {
		return ErrorReport{}, err
	}
	msg.OrderCode = code
	return msg, nil
}

// DecodeEvent parses and validates a lifecycle event.
func DecodeEvent(payload []byte) (LifecycleEvent, error) {
	var msg LifecycleEvent
	if err := decode(payload, &msg); err != nil {
		return LifecycleEvent{}, err
	}
	msg.MachineID = strings.TrimSpace(msg.MachineID)
	msg.Event = strings.ToUpper(strings.TrimSpace(msg.Event))
	code, err := normalizeOrderCode(msg.OrderCode)
	if err != nil {
		return LifecycleEvent{}, err
	}
	msg.OrderCode = code
	if msg.Mode != nil && *msg.Mode == "" {
		msg.Mode = nil
	}
	return msg, nil
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// normalizeOrderCode maps "" to nil and canonicalizes anything else.
func normalizeOrderCode(raw *string) (*string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	code, err := parse.OrderCode(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &code, nil
}
