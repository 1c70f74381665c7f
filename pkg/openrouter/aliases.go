package openrouter

import openaisdk "github.com/openai/openai-go"

// Error is the SDK's API error; StatusCode carries the HTTP status.
type Error = openaisdk.Error
