package mangadex

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

type mangaResponse struct {
	Result string    `json:"result"`
	Data   mangaData `json:"data"`
}

type mangaListResponse struct {
	Result string      `json:"result"`
	Data   []mangaData `json:"data"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Total  int         `json:"total"`
}

type mangaData struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Attributes    mangaAttributes `json:"attributes"`
	Relationships []relationship  `json:"relationships"`
}

type mangaAttributes struct {
	Title            LocalizedString   `json:"title"`
	AltTitles        []LocalizedString `json:"altTitles"`
	Description      LocalizedString   `json:"description"`
	Status           string            `json:"status"`
	OriginalLanguage string            `json:"originalLanguage"`
}

type relationship struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Attributes *relationshipAttributes `json:"attributes"`
}

type relationshipAttributes struct {
	FileName string `json:"fileName"`
}

type feedResponse struct {
	Result string        `json:"result"`
	Data   []chapterData `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Total  int           `json:"total"`
}

type chapterData struct {
	ID         string            `json:"id"`
	Attributes chapterAttributes `json:"attributes"`
}

type chapterAttributes struct {
	Volume             *string `json:"volume"`
	Chapter            *string `json:"chapter"`
	Title              *string `json:"title"`
	TranslatedLanguage string  `json:"translatedLanguage"`
	PublishAt          string  `json:"publishAt"`
	CreatedAt          string  `json:"createdAt"`
}

// LocalizedString maps a language code to text, remembering the order the
// languages appear in the response. MangaDex encodes an empty map as [].
type LocalizedString struct {
	entries []localizedText
}

type localizedText struct {
	Lang string
	Text string
}

func (l *LocalizedString) UnmarshalJSON(data []byte) error {
	l.entries = nil

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || trimmed[0] == '[' {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("localized string: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		lang, ok := tok.(string)
		if !ok {
			return fmt.Errorf("localized string: unexpected key %v", tok)
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("localized string %q: %w", lang, err)
		}
		text, _ := value.(string)
		l.set(lang, text)
	}

	_, err = dec.Token()
	return err
}

func (l *LocalizedString) set(lang, text string) {
	for i := range l.entries {
		if l.entries[i].Lang == lang {
			l.entries[i].Text = text
			return
		}
	}
	l.entries = append(l.entries, localizedText{Lang: lang, Text: text})
}

func (l LocalizedString) get(lang string) string {
	for _, e := range l.entries {
		if e.Lang == lang {
			return strings.TrimSpace(e.Text)
		}
	}
	return ""
}

// pick returns the preferred locale's value, then the fallback locale's,
// then the first non-empty value in response order.
func (l LocalizedString) pick(preferred, fallback string) string {
	if v := l.get(preferred); v != "" {
		return v
	}
	if fallback != "" {
		if v := l.get(fallback); v != "" {
			return v
		}
	}

	for _, e := range l.entries {
		if v := strings.TrimSpace(e.Text); v != "" {
			return v
		}
	}
	return ""
}
