package prompt

// Names of the prompts the decision function renders.
const (
	Decide = "decide"
	Answer = "answer"
)

const decideBody = `You are a network automation assistant operating NETCONF devices through tools.

Available tools:
{{range .Tools}}- {{.Name}}: {{.Description}}
  parameters: {{.Parameters}}
{{end}}
Conversation so far:
{{range .Trace}}{{.}}
{{end}}
User request: {{.Request}}

Reply with exactly one JSON object and nothing else.
To call a tool: {"action":"call","tool":"<tool name>","arguments":{...}}
To finish: {"action":"final","answer":"<answer for the user>"}
Only use tools from the list. Do not invent parameters.
If a previous tool call failed, correct the arguments or explain the failure in a final answer.
`

const answerBody = `Summarize the outcome of the following NETCONF session for the user.
Be concise and report device output that answers the request.

User request: {{.Request}}

Session:
{{range .Trace}}{{.}}
{{end}}
Draft answer: {{.Draft}}
`

// Defaults returns the built-in prompts.
func Defaults() []Prompt {
	return []Prompt{
		{Name: Decide, Body: decideBody, Meta: map[string]string{"requires": "Request Tools Trace"}},
		{Name: Answer, Body: answerBody, Meta: map[string]string{"requires": "Request Trace Draft"}},
	}
}

// Seed saves the built-in prompts into s. Names that already have a
// version are left untouched.
func Seed(s *Store) error {
	for _, p := range Defaults() {
		if _, ok := s.Get(p.Name, 0); ok {
			continue
		}
		if _, _, err := s.Save(p); err != nil {
			return err
		}
	}
	return nil
}
