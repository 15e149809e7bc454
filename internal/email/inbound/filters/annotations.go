package filters

const (
	AnnotationIgnoreMessage    = "postmaster.ignore_message"
	AnnotationKeepInMailbox    = "postmaster.keep_in_mailbox"
	AnnotationIgnoreRule       = "postmaster.ignore_rule"
	AnnotationFollowUpTicketID = "postmaster.follow_up_ticket_id"
	AnnotationAutoReply        = "postmaster.auto_reply"
	AnnotationAutoReplyReason  = "postmaster.auto_reply_reason"
)
