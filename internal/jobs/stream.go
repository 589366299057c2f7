package jobs

import (
	"context"
	"time"
)

// EventType はステータスストリームのイベント種別です。
type EventType string

const (
	EventStatus EventType = "status"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// ストリームのエラーイベントに載せる識別子です。
const (
	StreamErrNotFound = "not_found"
	StreamErrTimeout  = "stream_timeout"
	StreamErrInternal = "internal_error"
)

// Event はジョブの状態通知です。Type が EventStatus のときだけ Job が入ります。
type Event struct {
	Type  EventType
	Job   *Record
	Error string
}

// Watch はジョブを一定間隔で読み出し、状態をイベントとして流します。
// 終端状態に達すると done を送って閉じ、ジョブが消えた場合や上限回数に達した場合は error を送って閉じます。
// ctx が終了した場合はイベントを送らずに閉じます。
func (m *Manager) Watch(ctx context.Context, id string) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		timer := time.NewTimer(0)
		defer timer.Stop()
		<-timer.C

		for i := 0; i < m.streamMaxLoops; i++ {
			if i > 0 {
				timer.Reset(m.streamInterval)
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			}

			job, err := m.store.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Printf("job=%s stream read failed: %v", id, err)
					send(Event{Type: EventError, Error: StreamErrInternal})
				}
				return
			}
			if job == nil {
				send(Event{Type: EventError, Error: StreamErrNotFound})
				return
			}
			if !send(Event{Type: EventStatus, Job: job}) {
				return
			}
			if job.Status.Terminal() {
				send(Event{Type: EventDone})
				return
			}
		}
		send(Event{Type: EventError, Error: StreamErrTimeout})
	}()
	return events
}
