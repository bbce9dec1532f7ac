// Package handoff models an addressable transfer of conversation ownership
// from one agent to another. A handoff is exposed to the model as an ordinary
// function tool (transfer_to_<agent>); when the model calls it the optional
// input filter shapes the conversation the target sees and the optional
// OnHandoff hook fires before control moves.
package handoff
