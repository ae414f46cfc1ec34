// Package transports imports the built-in brokers for their registration side
// effect. Import it to have "rabbitmq" and "memory" available in the default
// registry.
package transports

import (
	_ "github.com/drblury/ramqp/transport/memory"
	_ "github.com/drblury/ramqp/transport/rabbitmq"
)
