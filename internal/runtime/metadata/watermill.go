package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// ToWatermill converts Metadata into a Watermill map, which the AMQP marshaler
// turns into publishing headers.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
