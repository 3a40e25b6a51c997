package eventbus

import "context"

// Consume drains typed events from sub until the context is cancelled or the
// subscription closes, passing each payload to handler.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], handler func(T)) {
	ConsumeEnvelope(ctx, sub, func(env TypedEnvelope[T]) {
		handler(env.Payload)
	})
}

// ConsumeEnvelope is Consume with access to the envelope metadata.
func ConsumeEnvelope[T any](ctx context.Context, sub *TypedSubscription[T], handler func(TypedEnvelope[T])) {
	if sub == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handler(env)
		}
	}
}
