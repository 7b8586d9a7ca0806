package models

// Emotion is the agent's current emotional state. The enumeration is
// fixed at seven values; anything else normalizes to EmotionBasic.
type Emotion string

const (
	EmotionBasic   Emotion = "basic"
	EmotionAngry   Emotion = "angry"
	EmotionBusy    Emotion = "busy"
	EmotionHappy   Emotion = "happy"
	EmotionLove    Emotion = "love"
	EmotionPouting Emotion = "pouting"
	EmotionSad     Emotion = "sad"
)

// Emotions lists every valid emotion value.
var Emotions = []Emotion{
	EmotionBasic,
	EmotionAngry,
	EmotionBusy,
	EmotionHappy,
	EmotionLove,
	EmotionPouting,
	EmotionSad,
}

// ParseEmotion maps a raw string onto the enumeration. Unrecognized
// values fall back to EmotionBasic rather than erroring.
func ParseEmotion(s string) Emotion {
	for _, e := range Emotions {
		if string(e) == s {
			return e
		}
	}
	return EmotionBasic
}
