package media

import "strings"

// DefaultTitle is used when metadata is unavailable.
const DefaultTitle = "Instagram Reel"

// maxCaption keeps captions within WhatsApp's practical limit.
const maxCaption = 1000

// BuildCaption formats the delivery caption from probe metadata.
func BuildCaption(meta *Metadata) string {
	if meta == nil {
		return DefaultTitle
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = DefaultTitle
	}

	var b strings.Builder
	b.WriteString("🎬 ")
	b.WriteString(title)
	if u := strings.TrimSpace(meta.Uploader); u != "" {
		b.WriteString("\n👤 By ")
		b.WriteString(u)
	}
	if d := strings.TrimSpace(meta.Description); d != "" {
		b.WriteString("\n\n📝 ")
		b.WriteString(d)
	}

	caption := b.String()
	if r := []rune(caption); len(r) > maxCaption {
		caption = string(r[:maxCaption-1]) + "…"
	}
	return caption
}
