package grpc

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/civetdb/civet/encoding"
	"github.com/civetdb/civet/session"
	"github.com/civetdb/civet/txn"
)

// ShardService executes shard commands against the node's session catalog.
// Each command binds its session for the duration of the call, so retryable
// writes and transaction continuations serialize per session across the
// whole fleet of callers.
type ShardService struct {
	sc *session.ServiceContext
}

// NewShardService wires the command executor to a service context
func NewShardService(sc *session.ServiceContext) *ShardService {
	return &ShardService{sc: sc}
}

// Execute runs one command document. Command failures travel inside the
// reply payload; transport-level errors are reserved for undecodable
// requests.
func (s *ShardService) Execute(ctx context.Context, req *CommandRequest) (*CommandReply, error) {
	payload := req.Payload
	cmd, _ := payload["cmd"].(string)

	ctx = session.WithServiceContext(ctx, s.sc)
	op := session.NewOperation(ctx, session.NewClient("shard-rpc"))

	if rawSID, ok := payload["sid"].(string); ok {
		id, err := session.Parse(rawSID)
		if err != nil {
			return errorReply(err), nil
		}
		op = op.WithSession(id)
	}
	if txnNumber, ok := asInt64(payload["txnNumber"]); ok {
		op = op.WithTxnNumber(txnNumber)
	}

	bound, err := session.NewOperationSession(s.sc.Catalog(), op)
	if err != nil {
		return errorReply(err), nil
	}
	defer bound.Release()

	switch cmd {
	case "ping":
		return okReply(nil), nil
	case "write":
		return s.executeWrite(op, payload), nil
	default:
		return errorReply(errors.New("unknown command " + cmd)), nil
	}
}

func (s *ShardService) executeWrite(op *session.Operation, payload map[string]interface{}) *CommandReply {
	cur := session.Current(op)
	if cur == nil {
		return errorReply(errors.New("write requires a session"))
	}
	if op.TxnNumber == nil {
		return errorReply(errors.New("write requires a transaction number"))
	}
	stmtID64, ok := asInt64(payload["stmtId"])
	if !ok {
		return errorReply(errors.New("write requires a statement id"))
	}
	stmtID := int32(stmtID64)

	participant := cur.Record().Txn()
	if !participant.Valid() {
		if err := participant.Refresh(); err != nil {
			return errorReply(err)
		}
	}

	if err := participant.BeginOrContinue(*op.TxnNumber); err != nil {
		return errorReply(err)
	}

	if participant.HasExecuted(*op.TxnNumber, stmtID) {
		log.Debug().
			Str("sid", participant.SID()).
			Int64("txn", *op.TxnNumber).
			Int32("stmt", stmtID).
			Msg("Retried statement already executed")
		return okReply(map[string]interface{}{"retried": true})
	}

	outcome, err := encoding.Marshal(payload["body"])
	if err != nil {
		return errorReply(err)
	}
	if err := participant.SaveExecution(*op.TxnNumber, stmtID, outcome); err != nil {
		return errorReply(err)
	}
	return okReply(map[string]interface{}{"retried": false})
}

func okReply(extra map[string]interface{}) *CommandReply {
	out := map[string]interface{}{"ok": true}
	for k, v := range extra {
		out[k] = v
	}
	return &CommandReply{Payload: out}
}

func errorReply(err error) *CommandReply {
	return &CommandReply{Payload: map[string]interface{}{
		"ok":     false,
		"code":   errorCode(err),
		"errmsg": err.Error(),
	}}
}

func errorCode(err error) string {
	var stale *txn.StaleTxnNumberError
	var invalidated *txn.InvalidatedError
	var interrupted *session.InterruptedError
	var invalidOp *session.InvalidOperationError
	var parse *session.ParseError

	switch {
	case errors.As(err, &stale):
		return "StaleTxnNumber"
	case errors.As(err, &invalidated):
		return "SessionInvalidated"
	case errors.As(err, &interrupted):
		return "Interrupted"
	case errors.As(err, &invalidOp):
		return "InvalidOperation"
	case errors.As(err, &parse):
		return "ParseFailure"
	default:
		return "CommandFailed"
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
