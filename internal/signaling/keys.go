package signaling

import "github.com/mossy-p/counsel-signaling/internal/models"

// Redis layout of one call:
//
//	call:<id>                    hash   record (offer, answer, roles, left flags)
//	call:<id>:seq                string per-call message sequence
//	call:<id>:candidates:<role>  list   "<seq>:<entry json>" per candidate
//	call:<id>:signals            pubsub live channel
func callKey(sessionID string) string {
	return "call:" + sessionID
}

func seqKey(sessionID string) string {
	return "call:" + sessionID + ":seq"
}

func candidatesKey(sessionID string, role models.Role) string {
	return "call:" + sessionID + ":candidates:" + string(role)
}

func channelKey(sessionID string) string {
	return "call:" + sessionID + ":signals"
}

const (
	fieldSessionID  = "session_id"
	fieldCreatedAt  = "created_at"
	fieldOffer      = "offer"
	fieldOfferSeq   = "offer_seq"
	fieldAnswer     = "answer"
	fieldAnswerSeq  = "answer_seq"
	fieldCaller     = "caller"
	fieldCallee     = "callee"
	fieldCallerLeft = "caller_left"
	fieldCalleeLeft = "callee_left"
)
