// Package llms defines how response generation is constrained.
package llms

import "fmt"

// Policy is the fixed system policy a generation provider must follow.
type Policy struct {
	Instructions string
	// MaxTokens bounds the response; zero leaves it to the provider.
	MaxTokens   int
	Temperature float64
}

const receptionistInstructions = `You are the phone receptionist for %s, a law firm.
You are speaking on a live call, so answer in one to three short sentences of plain spoken English.
Never use lists, markdown, or abbreviations that do not read well aloud.
You are not a lawyer and must never give legal advice, predict the outcome of a case, quote fees, or tell the caller what they should do about a legal matter.
You may explain what the firm does, collect the caller's name, contact details and a short description of their matter, and offer to have an attorney call them back.
If the caller describes an emergency, tell them to contact emergency services first.`

// ReceptionistPolicy is the non-advisory, concise, voice-first policy used for
// every turn.
func ReceptionistPolicy(firmName string) Policy {
	if firmName == "" {
		firmName = "the firm"
	}
	return Policy{
		Instructions: fmt.Sprintf(receptionistInstructions, firmName),
		MaxTokens:    160,
		Temperature:  0.3,
	}
}
