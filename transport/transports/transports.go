// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/conduit/transport/aws"
	_ "github.com/drblury/conduit/transport/channel"
	_ "github.com/drblury/conduit/transport/http"
	_ "github.com/drblury/conduit/transport/jetstream"
	_ "github.com/drblury/conduit/transport/kafka"
	_ "github.com/drblury/conduit/transport/nats"
	_ "github.com/drblury/conduit/transport/rabbitmq"
)
