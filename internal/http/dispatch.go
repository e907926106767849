package httpapi

import (
	"context"
	"encoding/json"
	"strings"

	"quizsync-backend-go/internal/engine"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

type eventHandler struct {
	requiresAuth bool
	fn           func(ctx context.Context, sess *socketSession, in realtime.Inbound) error
}

var socketHandlers = map[realtime.EventType]eventHandler{
	realtime.EventAuthenticate:     {fn: handleAuthenticate},
	realtime.EventProgressUpdate:   {requiresAuth: true, fn: handleProgressUpdate},
	realtime.EventProgressDetailed: {requiresAuth: true, fn: handleProgressDetailed},
	realtime.EventProgressGet:      {requiresAuth: true, fn: handleProgressGet},
	realtime.EventProgressSummary:  {requiresAuth: true, fn: handleProgressSummary},
	realtime.EventProgressReset:    {requiresAuth: true, fn: handleProgressReset},
	realtime.EventCheckAccess:      {requiresAuth: true, fn: handleCheckAccess},
	realtime.EventCheckAccessBatch: {requiresAuth: true, fn: handleCheckAccessBatch},
	realtime.EventRedeem:           {requiresAuth: true, fn: handleRedeem},
	realtime.EventSyncAccessRights: {requiresAuth: true, fn: handleSyncAccessRights},
}

type claimedUser struct {
	UserID string `json:"userId"`
}

// dispatch decodes one frame and runs its handler behind the guard. Nothing
// reaches a handler body from an unbound connection, or with a userId other
// than the bound one.
func (sess *socketSession) dispatch(ctx context.Context, frame []byte) {
	var in realtime.Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		sess.fail(services.ErrValidation("Invalid message"), "", "")
		return
	}
	handler, ok := socketHandlers[in.Type]
	if !ok {
		sess.fail(services.ErrValidation("Unknown event type"), in.Type, in.RequestID)
		return
	}
	if handler.requiresAuth {
		if sess.userID == "" {
			sess.fail(services.ErrUnauthorized("Authentication required"), in.Type, in.RequestID)
			return
		}
		var claimed claimedUser
		if err := decodeData(in.Data, &claimed); err != nil {
			sess.fail(err, in.Type, in.RequestID)
			return
		}
		if claimed.UserID != "" && strings.TrimSpace(claimed.UserID) != sess.userID {
			sess.server.Log.Warn("socket user mismatch",
				"event", in.Type,
				"connection_id", sess.client.ID,
				"user_id", sess.userID,
				"claimed_user_id", claimed.UserID,
			)
			sess.fail(services.ErrUnauthorized("User mismatch"), in.Type, in.RequestID)
			return
		}
	}
	if err := handler.fn(ctx, sess, in); err != nil {
		sess.fail(err, in.Type, in.RequestID)
	}
}

func (sess *socketSession) caller(in realtime.Inbound) engine.Caller {
	return engine.Caller{UserID: sess.userID, ConnID: sess.client.ID, RequestID: in.RequestID}
}

type authenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

func handleAuthenticate(_ context.Context, sess *socketSession, in realtime.Inbound) error {
	var p authenticatePayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return services.ErrValidation("userId is required")
	}
	if err := sess.server.Tokens.VerifyUser(p.Token, p.UserID); err != nil {
		return err
	}
	if err := sess.bind(p.UserID, in.RequestID); err != nil {
		return services.ErrValidation(err.Error())
	}
	return nil
}

func handleProgressUpdate(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p services.AnswerInput
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	_, err := sess.server.Engine.AnswerQuestion(ctx, sess.caller(in), p)
	return err
}

func handleProgressDetailed(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p services.DetailedInput
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	_, err := sess.server.Engine.RecordDetailed(ctx, sess.caller(in), p)
	return err
}

type contentSetPayload struct {
	ContentSetID string `json:"contentSetId"`
}

func handleProgressGet(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p contentSetPayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	snap, err := sess.server.Engine.GetProgress(ctx, sess.caller(in), p.ContentSetID)
	if err != nil {
		return err
	}
	sess.reply(realtime.EventProgressData, snap, in.RequestID)
	return nil
}

func handleProgressSummary(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	sets, err := sess.server.Engine.Summary(ctx, sess.caller(in))
	if err != nil {
		return err
	}
	sess.reply(realtime.EventProgressSummary, map[string]interface{}{"sets": sets}, in.RequestID)
	return nil
}

func handleProgressReset(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p contentSetPayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	_, err := sess.server.Engine.ResetProgress(ctx, sess.caller(in), p.ContentSetID)
	return err
}

func handleCheckAccess(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p contentSetPayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	_, err := sess.server.Engine.CheckAccess(ctx, sess.caller(in), p.ContentSetID)
	return err
}

type batchPayload struct {
	ContentSetIDs []string `json:"contentSetIds"`
}

func handleCheckAccessBatch(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p batchPayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	results, err := sess.server.Engine.CheckAccessBatch(ctx, sess.caller(in), p.ContentSetIDs)
	if err != nil {
		return err
	}
	sess.reply(realtime.EventBatchAccessResult, map[string]interface{}{"results": results}, in.RequestID)
	return nil
}

type redeemPayload struct {
	Code string `json:"code"`
}

func handleRedeem(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	var p redeemPayload
	if err := decodeData(in.Data, &p); err != nil {
		return err
	}
	result, err := sess.server.Engine.Redeem(ctx, sess.caller(in), p.Code)
	if err != nil {
		return err
	}
	sess.reply(realtime.EventRedeemResult, result, in.RequestID)
	return nil
}

func handleSyncAccessRights(ctx context.Context, sess *socketSession, in realtime.Inbound) error {
	rights, err := sess.server.Engine.SyncAccessRights(ctx, sess.caller(in))
	if err != nil {
		return err
	}
	sess.reply(realtime.EventAccessRightsUpdated, rights, in.RequestID)
	return nil
}
