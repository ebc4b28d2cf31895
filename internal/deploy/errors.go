package deploy

import "errors"

// ErrServiceNotActive is returned when the installed systemd unit fails to
// reach the "active" state within the settle window (spec §4.4 step 6).
var ErrServiceNotActive = errors.New("deploy: agent service did not become active")
