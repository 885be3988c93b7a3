package http

import (
	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/proto"
)

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoin:
		var join proto.JoinData
		if err := proto.DecodeData(inbound, &join); err != nil {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: err.Error()}
		}
		name := join.UserName
		if name == "" {
			name = join.UserID
		}
		return &core.Command{
			Kind:        core.CommandJoinActivity,
			ActivityID:  join.ActivityID,
			Participant: core.Participant{ID: join.UserID, Name: name},
		}, nil
	case proto.InboundTypeLeave:
		return &core.Command{Kind: core.CommandLeaveActivity}, nil
	case proto.InboundTypePing:
		return &core.Command{Kind: core.CommandPing}, nil
	}

	if !core.IsMutation(inbound.Type) {
		return nil, &proto.Error{Code: core.ErrCodeUnknownType, Msg: "unknown message type " + inbound.Type}
	}
	var mutation proto.MutationData
	if err := proto.DecodeData(inbound, &mutation); err != nil {
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: err.Error()}
	}
	return &core.Command{
		Kind:       core.CommandMutate,
		ActivityID: mutation.ActivityID,
		Event: core.DomainEvent{
			Type:    inbound.Type,
			Payload: mutation.Payload,
		},
	}, nil
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventConnectionAccepted:
		return proto.Outbound{Type: proto.OutboundTypeAccepted, Data: admission(event.Decision)}
	case core.EventCapacityWarning:
		return proto.Outbound{Type: proto.OutboundTypeCapacityWarning, Data: admission(event.Decision)}
	case core.EventConnectionRejected:
		a := admission(event.Decision)
		a.Code = core.ErrCodeCapacityExceeded
		return proto.Outbound{Type: proto.OutboundTypeRejected, Data: a}
	case core.EventActivityJoined:
		history := make([]proto.HistoryEvent, 0, len(event.History))
		for _, ev := range event.History {
			history = append(history, proto.HistoryEvent{
				Seq:     ev.Seq,
				Type:    ev.Type,
				UserID:  ev.SenderID,
				Payload: ev.Payload,
				TS:      proto.Millis(ev.CreatedAt),
			})
		}
		return proto.Outbound{
			Type: proto.OutboundTypeJoined,
			Data: proto.ActivityJoined{
				ActivityID:   event.ActivityID,
				Participants: event.Participants,
				Phase:        event.Phase,
				History:      history,
			},
		}
	case core.EventParticipantJoined:
		return proto.Outbound{Type: proto.OutboundTypeParticipantIn, Data: presence(event)}
	case core.EventParticipantLeft:
		return proto.Outbound{Type: proto.OutboundTypeParticipantOut, Data: presence(event)}
	case core.EventDomain:
		if event.Domain == nil {
			break
		}
		return proto.Outbound{
			Type: event.Domain.Type,
			Data: proto.DomainEvent{
				ActivityID: event.ActivityID,
				UserID:     event.Domain.SenderID,
				Seq:        event.Domain.Seq,
				Payload:    event.Domain.Payload,
				TS:         proto.Millis(event.Domain.CreatedAt),
			},
		}
	case core.EventActionAck:
		ack := proto.ActionAck{Type: event.ActionType}
		if event.Domain != nil {
			ack.Seq = event.Domain.Seq
		}
		return proto.Outbound{Type: proto.OutboundTypeActionAck, Data: ack}
	case core.EventActionFailed:
		failed := proto.ActionFailed{Type: event.ActionType, Code: core.ErrCodePersistenceUnavailable}
		if event.Error != nil {
			failed.Code, failed.Message = event.Error.Code, event.Error.Message
		}
		return proto.Outbound{Type: proto.OutboundTypeActionFailed, Data: failed}
	case core.EventSessionReplaced:
		return proto.Outbound{
			Type: proto.OutboundTypeSessionReplaced,
			Data: proto.SessionReplaced{ActivityID: event.ActivityID},
		}
	case core.EventPong:
		return proto.Outbound{Type: proto.OutboundTypePong}
	case core.EventError:
		if event.Error == nil {
			break
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	}
	return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
}

func admission(d *core.Decision) proto.Admission {
	if d == nil {
		return proto.Admission{}
	}
	return proto.Admission{
		Message:            d.Message,
		CurrentConnections: d.Current,
		MaxConnections:     d.Max,
	}
}

func presence(event *core.Event) proto.Presence {
	return proto.Presence{
		ActivityID:   event.ActivityID,
		UserID:       event.Participant.ID,
		UserName:     event.Participant.Name,
		Participants: event.Participants,
	}
}

func errorEvent(perr *proto.Error) *core.Event {
	return &core.Event{
		Kind:  core.EventError,
		Error: &core.CoreError{Code: perr.Code, Message: perr.Msg},
	}
}
