// Package transfer orchestrates one end-to-end key transfer: locate and
// connect to gpg-agent (launching it once if it is not reachable), forward
// display and locale context best-effort, export the session key-wrap key
// and the wrapped secret key, unwrap and validate the key, and register it
// with ssh-agent.
//
// The pipeline is strictly sequential and runs once per invocation. Every
// sensitive buffer (the key-wrap key, the wrapped and unwrapped exports,
// the extracted key model) is zeroed on every exit path.
package transfer
