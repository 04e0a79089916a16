package airplay

import (
	"strconv"
	"strings"

	"github.com/go2airplay/go2airplay/pkg/core"
)

// Attempt - one step of a fallback chain
type Attempt struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Status int    `json:"status,omitempty"`
	Err    error  `json:"-"`
}

func (a Attempt) String() string {
	s := a.Method + " " + a.Path
	if a.Err != nil {
		return s + ": " + a.Err.Error()
	}
	return s + ": " + strconv.Itoa(a.Status)
}

// AttemptsError - all variants of the fallback chain failed
type AttemptsError struct {
	Op       string
	Attempts []Attempt
}

func (e *AttemptsError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": all attempts failed")
	for i, a := range e.Attempts {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	return sb.String()
}

func (e *AttemptsError) Is(target error) bool {
	return target == core.ErrProtocol
}

func (e *AttemptsError) add(method, path string, res *Response, err error) {
	a := Attempt{Method: method, Path: path, Err: err}
	if res != nil {
		a.Status = res.StatusCode
	}
	e.Attempts = append(e.Attempts, a)
}
