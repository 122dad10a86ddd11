package recovery

const genericSuggestion = "Unknown error. Check logs for details"

var suggestions = map[Kind]string{
	KindConnectivity:         "Check your internet connection and try again",
	KindTimeout:              "Request timed out. Try reducing model complexity or batch size",
	KindAuthentication:       "API key is invalid or expired. Check the provider api_key setting",
	KindRateLimitExceeded:    "Rate limit exceeded. Wait before making more requests",
	KindInvalidConfiguration: "Invalid parameter or configuration. Check input values",
	KindMissingResource:      "Required file or configuration not found. Check file paths and environment variables",
	KindResourceExhaustion:   "Out of memory or disk. Reduce batch size or model size",
	KindUnexpectedRuntime:    "Unexpected runtime error. Check system resources",
}

// Suggestion returns the operator hint for kind.
func Suggestion(kind Kind) string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	return genericSuggestion
}
