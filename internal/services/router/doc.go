// Package router dispatches decryption outcomes of the live event stream to
// subscribers, after dropping replayed and non-message events.
package router
