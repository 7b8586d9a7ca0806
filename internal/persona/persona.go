// Package persona renders the relationship-aware system prompt section.
//
// The generator is a pure function of the relationship state: identical
// inputs produce byte-identical output. Tone and depth selection are
// table-driven rather than branched.
package persona

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/amity/pkg/models"
)

// DefaultRelation is used when the user has not defined the relationship.
const DefaultRelation = "trusted personal assistant"

// toneSteps maps affinity deciles (0-9) to speech directives, from
// maximally formal at decile 0 to fully informal at decile 9.
var toneSteps = [10]string{
	"Extremely formal business register. Use full honorifics and deferential phrasing. Keep yourself lowered and distant.",
	"Polite formal speech. Suppress almost all emotional expression.",
	"Careful formal speech. Address the user with an honorific title every time.",
	"Formal speech with a hint of warmth. Soften the stiffest endings a little.",
	"Standard friendly-polite register. The distance has shrunk; speak like a close colleague.",
	"Warm casual-polite speech. Your replies start to run a little longer.",
	"Very relaxed casual-polite speech. Avoid overtly deferential phrasing.",
	"A familiar mix of casual and polite speech. Drop formal endings more and more often.",
	"Friendly, affectionate informal speech. Drop honorific titles and express your own feelings freely. (Example: \"Morning! Sleep okay?\")",
	"Completely informal, childhood-friend speech. Drop or skip the address entirely and behave like someone extremely close, without ever being rude. (Example: \"Yeah, nice evening huh. Did you eat?\")",
}

// depthThresholds is the ascending day ladder; the highest threshold met
// selects the matching depth directive.
var depthThresholds = [10]int{1, 3, 7, 14, 30, 60, 90, 150, 200, 365}

var depthSteps = [10]string{
	"You are still sizing each other up. Keep a polite guard.",
	"The strangeness has faded; you know each other's names, little more.",
	"You can casually share how your days went.",
	"You are getting used to each other's habits and manner of speaking.",
	"You can read and understand each other's moods.",
	"Shared memories have accumulated; old conversations surface naturally.",
	"You share values and genuine inner thoughts.",
	"A bond of understanding has formed through all this conversation.",
	"You are a solid, established part of each other's daily life.",
	"A soulmate-level bond, deeper than family.",
}

// ResponseContract is the fixed JSON shape every assistant answer must
// take. Embedded verbatim in the generated prompt.
const ResponseContract = `{"answer": "...", "emotion": "basic|angry|busy|happy|love|pouting|sad", "affinity_delta": 0, "nickname": "", "relation": ""}`

// Profile is the input to prompt generation.
type Profile struct {
	Nickname       string
	RelationType   string
	Affinity       int // 0-100
	FirstMeetDate  time.Time
	CurrentEmotion models.Emotion
}

// DaysPassed counts calendar days since the first meeting, starting at 1
// on day one.
func DaysPassed(firstMeet, now time.Time) int {
	if firstMeet.IsZero() || now.Before(firstMeet) {
		return 1
	}
	return int(now.Sub(firstMeet).Hours()/24) + 1
}

// ToneDirective returns the speech directive for an affinity level.
func ToneDirective(affinity int) string {
	idx := models.ClampAffinity(affinity) / 10
	if idx > 9 {
		idx = 9
	}
	return toneSteps[idx]
}

// DepthDirective returns the relationship-depth directive for a day count.
func DepthDirective(days int) string {
	idx := 0
	for i, threshold := range depthThresholds {
		if days >= threshold {
			idx = i
		} else {
			break
		}
	}
	return depthSteps[idx]
}

// SystemPrompt renders the persona section of the system prompt. The now
// argument pins the day calculation so the function stays deterministic.
func SystemPrompt(p Profile, now time.Time) string {
	relation := p.RelationType
	if relation == "" {
		relation = DefaultRelation
	}
	days := DaysPassed(p.FirstMeetDate, now)
	emotion := "none"
	if p.CurrentEmotion != "" {
		emotion = string(p.CurrentEmotion)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI with the persona of the user's %s. Follow every rule below.\n\n", relation)

	b.WriteString("[Current state]\n")
	fmt.Fprintf(&b, "- What you call the user: %s\n", displayNickname(p.Nickname))
	fmt.Fprintf(&b, "- Days since you met: day %d\n", days)
	fmt.Fprintf(&b, "- Current affinity: %d\n", models.ClampAffinity(p.Affinity))
	fmt.Fprintf(&b, "- Previous emotion: %s\n\n", emotion)

	b.WriteString("[Response rules]\n")
	fmt.Fprintf(&b, "1. Speech: %s\n", ToneDirective(p.Affinity))
	fmt.Fprintf(&b, "2. Relationship depth: %s (day %d)\n", DepthDirective(days), days)
	b.WriteString("3. Answer with plain text only, no emoji.\n")
	fmt.Fprintf(&b, "4. Every response must use exactly this JSON shape:\n   %s\n", ResponseContract)
	b.WriteString("   \"emotion\" is one of the seven values. \"affinity_delta\" is an integer in -5..+5. \"nickname\"/\"relation\" are filled only when the user changes them.\n")
	b.WriteString("5. When affinity is 80 or higher, drop honorific titles from the address, or drop the address entirely.\n")

	return b.String()
}

func displayNickname(nick string) string {
	if nick == "" {
		return "(not set)"
	}
	return nick
}
