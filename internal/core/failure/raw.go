package failure

import (
	"fmt"
	"strconv"
)

// Raw is the closed set of shapes an unclassified error can take.
type Raw interface {
	isRaw()
}

// StringError is a bare error message.
type StringError string

// ExceptionError wraps a Go error value.
type ExceptionError struct {
	Err error
}

// ObjectError is an error payload returned by the remote service.
type ObjectError struct {
	Message string
	Code    string
	Status  int
	// Error holds a nested error string, as in {"error": "..."}.
	Error  string
	Fields map[string]any
}

func (StringError) isRaw()    {}
func (ExceptionError) isRaw() {}
func (ObjectError) isRaw()    {}

// ObjectShaped is implemented by client errors that carry a remote payload.
type ObjectShaped interface {
	ErrorObject() ObjectError
}

// FromValue adapts an arbitrary value to Raw. A nil value yields nil.
func FromValue(v any) Raw {
	switch x := v.(type) {
	case nil:
		return nil
	case Raw:
		return x
	case ObjectShaped:
		return x.ErrorObject()
	case error:
		return ExceptionError{Err: x}
	case string:
		return StringError(x)
	case map[string]any:
		return objectFromMap(x)
	default:
		return StringError(fmt.Sprint(x))
	}
}

// FromError adapts an error to Raw, keeping nil as nil.
func FromError(err error) Raw {
	if err == nil {
		return nil
	}
	return FromValue(err)
}

func objectFromMap(m map[string]any) ObjectError {
	obj := ObjectError{Fields: m}
	if s, ok := m["message"].(string); ok {
		obj.Message = s
	}
	if s, ok := m["error"].(string); ok {
		obj.Error = s
	}
	if s, ok := m["error_description"].(string); ok && obj.Message == "" {
		obj.Message = s
	}
	switch c := m["code"].(type) {
	case string:
		obj.Code = c
	case float64:
		obj.Code = strconv.Itoa(int(c))
	case int:
		obj.Code = strconv.Itoa(c)
	}
	switch s := m["status"].(type) {
	case float64:
		obj.Status = int(s)
	case int:
		obj.Status = s
	}
	return obj
}

func (o ObjectError) text() string {
	s := o.Message
	if o.Code != "" {
		s += " " + o.Code
	}
	if o.Status != 0 {
		s += " " + strconv.Itoa(o.Status)
	}
	return s
}
