// Package smtp has SMTP reply codes and helpers for interpreting replies.
package smtp

// Reply codes, from RFC 5321 section 4.2.3.
const (
	C211SystemStatus = 211
	C214Help         = 214
	C220ServiceReady = 220
	C221Closing      = 221

	C250Completed               = 250
	C251UserNotLocalWillForward = 251
	C252WithoutVrfy             = 252

	C354Continue = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C521HostNoMail        = 521
	C550MailboxUnavail    = 550
	C551UserNotLocal      = 551
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
	C556DomainNoMail      = 556
)

// Short enhanced reply codes for the address class, without leading number and
// first dot, as used in e.g. "550 5.1.1 no such user".
const (
	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1UnknownSystem2      = "1.2"
	SeAddr1MailboxSyntax3      = "1.3"
	SeMailbox2Disabled1        = "2.1"
	SeMailbox2Full2            = "2.2"
	SePol7Other0               = "7.0"
	SePol7DeliveryUnauth1      = "7.1"
)

// IsPositiveCompletion returns whether code is a 2xx reply.
func IsPositiveCompletion(code int) bool {
	return code/100 == 2
}

// IsTransient returns whether code is a 4xx reply.
func IsTransient(code int) bool {
	return code/100 == 4
}

// IsPermanent returns whether code is a 5xx reply.
func IsPermanent(code int) bool {
	return code/100 == 5
}
