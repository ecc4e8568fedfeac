// Package prompt renders aligned speakers into the tagged text format the TTS
// language model is trained on.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/alignment"
)

const (
	imStart    = "<|im_start|>"
	imEnd      = "<|im_end|>"
	textStart  = "<|text_start|>"
	textSep    = "<|text_sep|>"
	textEnd    = "<|text_end|>"
	audioStart = "<|audio_start|>"
	audioEnd   = "<|audio_end|>"
	codeStart  = "<|code_start|>"
	codeEnd    = "<|code_end|>"
)

var ErrEmptyText = errors.New("text has no words")

// Formatter builds training and generation prompts.
type Formatter struct {
	// Normalize runs word text through Normalize before rendering.
	Normalize bool
}

func NewFormatter() *Formatter {
	return &Formatter{Normalize: true}
}

// Format renders a complete training prompt: the text header followed by every
// word with its duration and codes.
func (f *Formatter) Format(s alignment.Speaker) (string, error) {
	if len(s.Words) == 0 {
		return "", alignment.ErrNoWords
	}
	words, err := f.speakerWords(s)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	f.writeHeader(&b, words)
	if err := f.writeWords(&b, s); err != nil {
		return "", err
	}
	b.WriteString(audioEnd)
	b.WriteString("\n")
	b.WriteString(imEnd)
	return b.String(), nil
}

// GenerationPrompt renders the open-ended prompt for text. When a speaker is given
// its words and codes are placed first so the model continues in that voice.
func (f *Formatter) GenerationPrompt(text string, speaker *alignment.Speaker) (string, error) {
	words := strings.Fields(text)
	if f.Normalize {
		words = Words(text)
	}
	if len(words) == 0 {
		return "", ErrEmptyText
	}

	var b strings.Builder
	if speaker == nil {
		f.writeHeader(&b, words)
		return b.String(), nil
	}

	prefix, err := f.speakerWords(*speaker)
	if err != nil {
		return "", err
	}
	f.writeHeader(&b, append(prefix, words...))
	if err := f.writeWords(&b, *speaker); err != nil {
		return "", err
	}
	return b.String(), nil
}

// speakerWords returns the header words of s. Words that normalise to nothing,
// such as punctuation tokens from an aligner, stay out of the header.
func (f *Formatter) speakerWords(s alignment.Speaker) ([]string, error) {
	out := make([]string, 0, len(s.Words))
	for _, w := range s.Words {
		if word := f.word(w.Word); word != "" {
			out = append(out, word)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyText
	}
	return out, nil
}

func (f *Formatter) word(w string) string {
	if f.Normalize {
		return strings.ReplaceAll(Normalize(w), " ", "")
	}
	return strings.TrimSpace(w)
}

// lineWord is the label of a word's code line. It falls back to the raw token
// so the word's codes are kept.
func (f *Formatter) lineWord(w string) string {
	if word := f.word(w); word != "" {
		return word
	}
	return strings.Join(strings.Fields(w), "")
}

func (f *Formatter) writeHeader(b *strings.Builder, words []string) {
	b.WriteString(imStart)
	b.WriteString("\n")
	b.WriteString(textStart)
	b.WriteString(strings.Join(words, textSep))
	b.WriteString(textEnd)
	b.WriteString("\n")
	b.WriteString(audioStart)
	b.WriteString("\n")
}

func (f *Formatter) writeWords(b *strings.Builder, s alignment.Speaker) error {
	for i, w := range s.Words {
		if len(w.Codes) == 0 {
			return fmt.Errorf("word %d (%q) has no codes", i, w.Word)
		}
		label := f.lineWord(w.Word)
		if label == "" {
			return fmt.Errorf("word %d is empty", i)
		}
		b.WriteString(label)
		b.WriteString("<|t_")
		b.WriteString(strconv.FormatFloat(w.Duration, 'f', 2, 64))
		b.WriteString("|>")
		b.WriteString(codeStart)
		for _, c := range w.Codes {
			b.WriteString("<|")
			b.WriteString(strconv.Itoa(c))
			b.WriteString("|>")
		}
		b.WriteString(codeEnd)
		b.WriteString("\n")
	}
	return nil
}
