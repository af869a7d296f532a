package budget

import "fmt"

// ErrExceeded is returned when usage surpasses a configured limit.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}
