package kafka

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"localci/internal/domain/ci"
	"localci/internal/ports"
)

const (
	messageTypePush = "push"
	messageTypeDone = "done"
)

// Notification types published by Publisher.
const (
	EventSubmissionCreated = "submission_created"
	EventResultReady       = "result_ready"
	EventSubmissionError   = "submission_error"
)

type pushEnvelope struct {
	Type       string              `json:"type"`
	Repository string              `json:"repository"`
	Updates    []refUpdateEnvelope `json:"updates"`
}

type refUpdateEnvelope struct {
	Ref  string `json:"ref"`
	Old  string `json:"old"`
	New  string `json:"new"`
	Kind string `json:"kind,omitempty"`
}

type notificationEnvelope struct {
	Type            string          `json:"type"`
	SubmissionID    string          `json:"submission_id,omitempty"`
	SubmissionType  string          `json:"submission_type,omitempty"`
	ParticipationID int64           `json:"participation_id"`
	Commit          string          `json:"commit,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	Result          *resultEnvelope `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

type resultEnvelope struct {
	ID          string    `json:"id"`
	Successful  bool      `json:"successful"`
	PassedTests int       `json:"passed_tests"`
	FailedTests int       `json:"failed_tests"`
	CompletedAt time.Time `json:"completed_at"`
}

func decodePushMessage(msg kafkago.Message) (ports.PushEvent, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return ports.PushEvent{}, fmt.Errorf("decode message: %w", err)
	}

	msgType := envelope.Type
	if msgType == "" {
		msgType = messageTypePush
	}

	switch msgType {
	case messageTypePush:
		return envelope.toEvent(msg)
	case messageTypeDone:
		return ports.PushEvent{}, io.EOF
	default:
		return ports.PushEvent{}, fmt.Errorf("unknown message type %q", msgType)
	}
}

func (e pushEnvelope) toEvent(msg kafkago.Message) (ports.PushEvent, error) {
	repository := e.Repository
	if repository == "" {
		repository = string(msg.Key)
	}
	if repository == "" {
		return ports.PushEvent{}, fmt.Errorf("push message missing repository")
	}

	updates := make([]ci.RefUpdate, len(e.Updates))
	for idx, u := range e.Updates {
		if u.Ref == "" {
			return ports.PushEvent{}, fmt.Errorf("push message update %d missing ref", idx)
		}
		kind := ci.RefUpdateKind(u.Kind)
		switch kind {
		case "":
			kind = ci.KindOf(u.Old, u.New)
		case ci.KindCreate, ci.KindUpdate, ci.KindUpdateNonFastForward, ci.KindDelete:
		default:
			return ports.PushEvent{}, fmt.Errorf("push message update %d has unknown kind %q", idx, u.Kind)
		}
		updates[idx] = ci.RefUpdate{RefName: u.Ref, OldID: u.Old, NewID: u.New, Kind: kind}
	}

	return ports.PushEvent{Repository: ci.Repository{Path: repository}, Updates: updates}, nil
}

func encodeNotification(envelope notificationEnvelope) (kafkago.Message, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal notification: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(envelope.ParticipationID, 10)),
		Value: payload,
		Time:  envelope.Timestamp,
	}, nil
}

func submissionEnvelope(eventType string, submission ci.Submission) notificationEnvelope {
	return notificationEnvelope{
		Type:            eventType,
		SubmissionID:    submission.ID,
		SubmissionType:  string(submission.Type),
		ParticipationID: submission.Participation.ID,
		Commit:          submission.Commit.Hash,
		Branch:          submission.Commit.Branch,
		Timestamp:       time.Now().UTC(),
	}
}

func resultReadyEnvelope(result ci.GradedResult, participation ci.Participation) notificationEnvelope {
	return notificationEnvelope{
		Type:            EventResultReady,
		SubmissionID:    result.SubmissionID,
		ParticipationID: participation.ID,
		Result: &resultEnvelope{
			ID:          result.ID,
			Successful:  result.Successful,
			PassedTests: result.PassedTests,
			FailedTests: result.FailedTests,
			CompletedAt: result.CompletedAt,
		},
		Timestamp: time.Now().UTC(),
	}
}
