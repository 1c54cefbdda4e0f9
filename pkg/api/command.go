package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/psantana5/jobdriver/pkg/driver"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
)

// CommandRequest is the JSON form of a command submission
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResponse acknowledges an accepted command
type CommandResponse struct {
	ID     string               `json:"id"`
	Status models.CommandStatus `json:"status"`
}

// Command records an operator command and queues it for delivery to the
// job. The body is the raw command text, or a CommandRequest when sent as
// application/json.
func (b *Bridge) Command(w http.ResponseWriter, r *http.Request) {
	command, err := b.readCommand(r)
	if err != nil {
		b.metrics.CommandResult(resultInvalid)
		b.logger.Debug("Command rejected", logging.Fields{"error": err.Error()})
		writeError(w, err)
		return
	}

	rec, err := b.submit(command)
	switch {
	case err == nil:
	case errors.Is(err, errBridgeStopped):
		b.metrics.CommandResult(resultConflict)
		writeError(w, &BridgeRequestError{Status: http.StatusConflict, Reason: "driver is shutting down", Err: err})
		return
	case errors.Is(err, driver.ErrTerminal):
		b.metrics.CommandResult(resultConflict)
		writeError(w, &BridgeRequestError{Status: http.StatusConflict, Reason: "job is no longer running", Err: err})
		return
	case errors.Is(err, errQueueFull):
		b.metrics.CommandResult(resultOverloaded)
		b.job.UpdateCommand(rec.ID, func(m *models.MessageRecord) {
			m.Status = models.CommandRejected
			m.Error = err.Error()
			m.UpdatedAt = time.Now()
		})
		b.logger.Warn("Command not forwarded", logging.Fields{"command_id": rec.ID, "error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:  err.Error(),
			Status: string(models.CommandRejected),
			ID:     rec.ID,
		})
		return
	default:
		writeError(w, err)
		return
	}

	b.metrics.CommandResult(resultAccepted)
	b.logger.Info("Command accepted", logging.Fields{"command_id": rec.ID})
	writeJSON(w, http.StatusAccepted, CommandResponse{ID: rec.ID, Status: models.CommandAccepted})
}

// submit records command and queues its ClientMessage. Stop cannot close
// the queue in between, so a recorded command is either queued or rejected
// for a full queue.
func (b *Bridge) submit(command string) (models.MessageRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return models.MessageRecord{}, errBridgeStopped
	}

	rec, err := b.job.SubmitCommand(command)
	if err != nil {
		return models.MessageRecord{}, err
	}
	ev := models.Event{
		ID:      rec.ID,
		Kind:    models.EventClientMessage,
		Message: []byte(command),
		Time:    rec.ReceivedAt,
	}
	select {
	case b.queue <- ev:
		return rec, nil
	default:
		return rec, errQueueFull
	}
}

// readCommand extracts and validates the command text
func (b *Bridge) readCommand(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", badRequest("empty command", nil)
	}
	limit := b.config.MaxCommandBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		return "", badRequest("unreadable body", err)
	}
	if len(body) > limit {
		return "", badRequest(fmt.Sprintf("command exceeds %d bytes", limit), nil)
	}

	command := string(body)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/json" {
		var req CommandRequest
		dec := json.NewDecoder(strings.NewReader(command))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return "", badRequest("invalid JSON body", err)
		}
		command = req.Command
	}

	if !utf8.ValidString(command) {
		return "", badRequest("command is not valid UTF-8", nil)
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return "", badRequest("empty command", nil)
	}
	return command, nil
}
