package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, including the fields the receiver keys
// on. Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var (
		target any
		check  func() error
	)
	switch {
	case subject == SubjectRegister:
		p := &RegisterPayload{}
		target, check = p, func() error { return p.Identity.Validate() }
	case subject == SubjectHeartbeat:
		p := &HeartbeatPayload{}
		target, check = p, func() error { return require("agent_id", p.AgentID) }
	case subject == SubjectResult:
		p := &ResultPayload{}
		target, check = p, func() error {
			if err := require("assignment_id", p.AssignmentID); err != nil {
				return err
			}
			if !p.Outcome.Valid() {
				return fmt.Errorf("unknown outcome kind %q", p.Outcome.Kind)
			}
			return nil
		}
	case subject == SubjectDeregister:
		p := &DeregisterPayload{}
		target, check = p, func() error { return require("agent_id", p.AgentID) }
	case subject == SubjectSubmit:
		p := &SubmitPayload{}
		target, check = p, func() error { return p.Request.Validate() }
	case subject == SubjectCompleted:
		target = &CompletedPayload{}
	case subject == SubjectFailed:
		target = &FailedPayload{}
	case strings.HasPrefix(subject, agentPrefix) && strings.HasSuffix(subject, ".registered"):
		p := &RegisteredPayload{}
		target, check = p, func() error { return require("topic", p.Topic) }
	case strings.HasPrefix(subject, agentPrefix) && strings.HasSuffix(subject, ".control"):
		p := &ControlPayload{}
		target, check = p, func() error { return require("command", p.Command) }
	case strings.HasPrefix(subject, agentPrefix) && strings.HasSuffix(subject, ".dispatch"):
		p := &DispatchPayload{}
		target, check = p, func() error {
			if err := require("assignment_id", p.AssignmentID); err != nil {
				return err
			}
			return p.Request.Validate()
		}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if check != nil {
		if err := check(); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}

func require(field, value string) error {
	if value == "" {
		return errors.New(field + " is required")
	}
	return nil
}
