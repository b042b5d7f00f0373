package peermesh

import "errors"

// ErrUnknownPeer marks traffic addressed to a peer with no live link.
var ErrUnknownPeer = errors.New("unknown peer")
