package gonoop

import (
	"context"

	"github.com/vitaltrack/healthsync/events"
)

type service struct {
}

func New() events.Notifier {
	return &service{}
}

func (s *service) Publish(context.Context, events.Event) error {
	return nil
}

func (s *service) Close() error {
	return nil
}
