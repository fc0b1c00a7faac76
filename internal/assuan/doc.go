// Package assuan implements the client side of the Assuan line protocol
// spoken by gpg-agent.
//
// A Client owns one connection and runs strictly half-duplex transactions:
// one command line out, then server lines in until a terminal OK or ERR.
// Data lines are percent-decoded and streamed to a per-transaction callback;
// INQUIRE and S (status) lines are surfaced through callbacks as well.
//
// The package also carries the two escaping helpers the protocol needs:
// PercentPlusEscape for human-readable prompt text sent with SETKEYDESC,
// and TrimAndUnescape for decoding gpgconf-style output.
package assuan
