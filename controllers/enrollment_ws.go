package controller

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/brightears/bmasia-crm-sub004/utils"
)

const (
	progressPushInterval = 3 * time.Second
	progressWriteWait    = 10 * time.Second
)

// progressSocket is the subset of *websocket.Conn the stream uses.
type progressSocket interface {
	Params(key string, defaultValue ...string) string
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ProgressStream pushes progress snapshots over a websocket while the
// enrollment is non-terminal, so the UI's progress bar tracks the
// scheduler without polling.
func (ec *EnrollmentController) ProgressStream() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		ec.streamProgress(conn)
	}
}

func (ec *EnrollmentController) streamProgress(conn progressSocket) {
	defer conn.Close()

	enrollmentID := utils.ParseUint(conn.Params("id"))
	ctx := context.Background()

	// Client close and control frames only surface through reads.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()

	for {
		report, err := ec.Enroller.Progress(ctx, enrollmentID)
		conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
		if err != nil {
			conn.WriteJSON(map[string]string{"error": "enrollment not found"})
			return
		}
		if err := conn.WriteJSON(report); err != nil {
			return
		}
		if report.Status.IsTerminal() {
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		}
	}
}
