package results

// Redact applies the privacy rules to a status document in place: checks of
// sensitive columns lose their invalid values, and failed identifier checks
// are rewritten as row-only summaries.
func Redact(doc *StatusDocument) {
	for i := range doc.Variables {
		v := &doc.Variables[i]
		for j := range v.Checks {
			v.Checks[j] = redactCheck(v.Checks[j], v.Sensitive)
		}
	}
}

func redactCheck(c CheckStatus, sensitive bool) CheckStatus {
	redacted := c.toCheck().Redacted(sensitive)
	c.Message = redacted.Message
	c.InvalidValue = redacted.InvalidValue
	return c
}
