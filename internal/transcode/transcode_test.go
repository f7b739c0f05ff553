package transcode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToAMRWithoutFFmpeg(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", errors.New("not found") }
	defer func() { lookPath = orig }()

	assert.False(t, Available())
	_, err := ToAMR(context.Background(), "/tmp/voice.wav")
	assert.ErrorIs(t, err, ErrFFmpegMissing)
}

func TestReplaceExt(t *testing.T) {
	assert.Equal(t, "/a/b/voice.amr", replaceExt("/a/b/voice.wav", ".amr"))
	assert.Equal(t, "/a/b.dir/voice.amr", replaceExt("/a/b.dir/voice", ".amr"))
	assert.Equal(t, "voice.amr", replaceExt("voice.mp3", ".amr"))
}
