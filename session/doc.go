// Package session keeps per-chat conversation history so requests that only
// carry a chat id continue where the previous turn ended.
package session
