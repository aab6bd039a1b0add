package color

// Tier buckets an accuracy for display. Key is the message catalog key suffix.
type Tier struct {
	Key   string
	Label string
	Min   float64
}

var tiers = []Tier{
	{Key: "perfect", Label: "Perfect!", Min: 95},
	{Key: "excellent", Label: "Excellent", Min: 90},
	{Key: "great", Label: "Great", Min: 80},
	{Key: "good", Label: "Good", Min: 70},
	{Key: "okay", Label: "Okay", Min: 60},
}

// TierFor returns the display tier for an accuracy.
func TierFor(accuracy float64) Tier {
	for _, t := range tiers {
		if accuracy >= t.Min {
			return t
		}
	}
	return Tier{Key: "try_again", Label: "Try Again", Min: 0}
}
