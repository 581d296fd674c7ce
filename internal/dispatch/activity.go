package dispatch

import (
	"context"

	"github.com/google/uuid"
)

// ImageLike is an imageLikes record.
type ImageLike struct {
	Likes          []string `json:"likes"`
	ProfileOwnerID string   `json:"profileOwnerId"`
	ImageIndex     int      `json:"imageIndex"`
}

// EventRequest is an event_requests record.
type EventRequest struct {
	SenderUID      string `json:"sender_uid"`
	SenderUsername string `json:"sender_username"`
	ReceiverUID    string `json:"receiver_uid"`
	EventID        string `json:"event_id"`
	EventTitle     string `json:"event_title"`
	Status         string `json:"status"`
}

const (
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// NotifyImageLike tells the image owner about a new like. It only fires when
// the likes list grew and the newest liker is not the owner.
func (d *Dispatcher) NotifyImageLike(ctx context.Context, imageID string, before, after *ImageLike) (out Outcome, err error) {
	out = Outcome{InvocationID: uuid.NewString()}
	log := d.log.With().Str("invocation", out.InvocationID).Str("image_id", imageID).Logger()
	defer func() { d.observe(log, "image_like", out, err) }()

	if before == nil || after == nil || before.Likes == nil || after.Likes == nil {
		out.skip(ReasonNoPayload, "", "")
		return out, nil
	}
	if len(after.Likes) <= len(before.Likes) {
		out.skip(ReasonNoChange, "", "")
		return out, nil
	}
	liker := after.Likes[len(after.Likes)-1]
	owner := after.ProfileOwnerID
	if owner == "" {
		out.skip(ReasonInvalidMessage, "", "")
		return out, nil
	}
	if liker == owner {
		out.skip(ReasonSelfNotification, owner, "")
		return out, nil
	}

	name, err := d.username(ctx, liker)
	if err != nil {
		return out, err
	}
	out.Recipients = []string{owner}
	c := content{
		title: d.cat.ImageLikeTitle,
		body:  render(d.cat.ImageLikeBody, map[string]string{"liker": name}),
		data: func(string) map[string]any {
			return map[string]any{
				"type":           "image_like",
				"profileOwnerId": owner,
				"imageIndex":     after.ImageIndex,
				"likerId":        liker,
			}
		},
	}
	err = d.fanOut(ctx, log, &out, out.Recipients, c)
	return out, err
}

// NotifyEventRequestCreated tells the event organiser about a join request.
func (d *Dispatcher) NotifyEventRequestCreated(ctx context.Context, requestID string, req *EventRequest) (out Outcome, err error) {
	out = Outcome{InvocationID: uuid.NewString()}
	log := d.log.With().Str("invocation", out.InvocationID).Str("request_id", requestID).Logger()
	defer func() { d.observe(log, "event_request_created", out, err) }()

	if req == nil {
		out.skip(ReasonNoPayload, "", "")
		return out, nil
	}
	if req.SenderUID == "" || req.ReceiverUID == "" {
		out.skip(ReasonInvalidMessage, "", "")
		return out, nil
	}
	if req.SenderUID == req.ReceiverUID {
		out.skip(ReasonSelfNotification, req.ReceiverUID, "")
		return out, nil
	}

	sender := req.SenderUsername
	if sender == "" {
		if sender, err = d.username(ctx, req.SenderUID); err != nil {
			return out, err
		}
	}
	out.Recipients = []string{req.ReceiverUID}
	c := content{
		title: d.cat.JoinRequestTitle,
		body:  render(d.cat.JoinRequestBody, map[string]string{"sender": sender, "event": req.EventTitle}),
		data: func(string) map[string]any {
			return map[string]any{
				"senderId":  req.SenderUID,
				"eventId":   req.EventID,
				"requestId": requestID,
			}
		},
	}
	err = d.fanOut(ctx, log, &out, out.Recipients, c)
	return out, err
}

// NotifyEventRequestUpdated tells the requester their request was accepted
// or declined. Other status changes are ignored.
func (d *Dispatcher) NotifyEventRequestUpdated(ctx context.Context, requestID string, before, after *EventRequest) (out Outcome, err error) {
	out = Outcome{InvocationID: uuid.NewString()}
	log := d.log.With().Str("invocation", out.InvocationID).Str("request_id", requestID).Logger()
	defer func() { d.observe(log, "event_request_updated", out, err) }()

	if before == nil || after == nil {
		out.skip(ReasonNoPayload, "", "")
		return out, nil
	}
	if before.Status == after.Status {
		out.skip(ReasonNoChange, "", "")
		return out, nil
	}
	if after.SenderUID == "" {
		out.skip(ReasonInvalidMessage, "", "")
		return out, nil
	}

	var title, body string
	vars := map[string]string{"event": after.EventTitle}
	switch after.Status {
	case StatusAccepted:
		title, body = d.cat.AcceptedTitle, render(d.cat.AcceptedBody, vars)
	case StatusDeclined:
		title, body = d.cat.DeclinedTitle, render(d.cat.DeclinedBody, vars)
	default:
		log.Info().Str("status", after.Status).Msg("status change without a notification")
		out.skip(ReasonUnknownStatus, after.SenderUID, "")
		return out, nil
	}

	out.Recipients = []string{after.SenderUID}
	c := content{
		title: title,
		body:  body,
		data: func(string) map[string]any {
			return map[string]any{"status": after.Status, "eventId": after.EventID}
		},
	}
	err = d.fanOut(ctx, log, &out, out.Recipients, c)
	return out, err
}
