package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := FingerprintString("The dragon slept on its hoard.")
	b := FingerprintString("The dragon slept on its hoard.")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha-256
}

func TestFingerprintSensitive(t *testing.T) {
	a := FingerprintString("The dragon slept.")
	b := FingerprintString("The dragon slept!")
	assert.NotEqual(t, a, b)

	// Byte and string paths agree
	assert.Equal(t, a, Fingerprint([]byte("The dragon slept.")))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "the dragon slept", Normalize("  The   Dragon\n\tSlept  "))
	assert.Equal(t, "", Normalize("   \n\t  "))
	assert.Equal(t, "one two", Normalize("One Two"))
}

func TestNormalizedFingerprintIgnoresWhitespaceAndCase(t *testing.T) {
	a := NormalizedFingerprint("Where do  Dragons\nsleep?")
	b := NormalizedFingerprint("where do dragons sleep?")
	assert.Equal(t, a, b)

	// But not content differences
	c := NormalizedFingerprint("where do wyverns sleep?")
	assert.NotEqual(t, a, c)
}
