// Package commands defines the keyferry CLI.
//
// keyferry moves one secret key from a running gpg-agent into a running
// ssh-agent without ever writing it to disk. The key is addressed by its
// keygrip (gpg --with-keygrip --list-secret-keys), exported under the
// agent's session key-wrap key, unwrapped locally, and registered with
// ssh-agent over SSH_AUTH_SOCK.
//
// Usage
//
//	keyferry [flags] KEYGRIP [COMMENT]
//
// Flags
//
//	-t, --lifetime SECONDS  evict the key from ssh-agent after SECONDS
//	-c, --confirm           require confirmation for every use of the key
package commands
