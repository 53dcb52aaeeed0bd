package listener

import "errors"

var errMissingActor = errors.New("notification has no actor_id")
