package ovirt

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when the engine answers 404 for a resource. Once a
// transfer is finalized, fetching it yields ErrNotFound.
var ErrNotFound = errors.New("resource not found")

// Fault is the engine's error document for any other non-2xx response.
type Fault struct {
	Status int    `json:"-"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", f.Status, f.Reason, f.Detail)
	}

	return fmt.Sprintf("HTTP %d: %s", f.Status, f.Reason)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func unwrapFault(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	f := &Fault{Status: resp.StatusCode}

	if json.Unmarshal(body, f) != nil || f.Reason == "" {
		f.Reason = http.StatusText(resp.StatusCode)
		f.Detail = string(body)
	}

	return f
}
