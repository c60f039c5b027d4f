package progress

import "fmt"

// Frames is the rotating indicator shown in front of the title.
var Frames = []string{"◐", "◓", "◑", "◒"}

// DefaultStoppedMessage tells the operator how to continue a stopped task.
const DefaultStoppedMessage = "Stopped. Reply with `CANCEL`, `EDIT …`, or `RESUME`."

// State is what the live message currently shows.
type State struct {
	Title      string `json:"title"`
	Phase      string `json:"phase"`
	Percent    int    `json:"percent"`
	HasPercent bool   `json:"has_percent"`
	Frame      int    `json:"frame"`
	Finished   bool   `json:"finished"`
}

// Render returns the live rendering of s.
func (s State) Render() string {
	spinner := Frames[s.Frame%len(Frames)]
	pct := ""
	if s.HasPercent {
		pct = fmt.Sprintf(" `%d%%`", s.Percent)
	}
	return fmt.Sprintf("*%s %s*%s\n%s", spinner, s.Title, pct, s.Phase)
}

// RenderDone is the final success frame.
func RenderDone(title, summary string) string {
	return fmt.Sprintf("*✅ %s complete*\n%s", title, summary)
}

// RenderFailed is the final failure frame.
func RenderFailed(title, errText string) string {
	return fmt.Sprintf("*❌ %s failed*\n%s", title, errText)
}

// RenderStopped is the final frame of a stopped task.
func RenderStopped(title, msg string) string {
	if msg == "" {
		msg = DefaultStoppedMessage
	}
	return fmt.Sprintf("*⏸ %s stopped*\n%s", title, msg)
}

func clamp(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
