package dispatch

import "strings"

// Catalog holds the notification strings for one locale. Bodies may use the
// {sender}, {liker} and {event} placeholders.
type Catalog struct {
	NewMessageTitle string
	NewMessageBody  string
	UnknownUser     string

	ImageLikeTitle string
	ImageLikeBody  string

	JoinRequestTitle string
	JoinRequestBody  string
	AcceptedTitle    string
	AcceptedBody     string
	DeclinedTitle    string
	DeclinedBody     string
}

var catalogs = map[string]Catalog{
	"he": {
		NewMessageTitle:  "הודעה חדשה",
		NewMessageBody:   "{sender} שלח/ה לך הודעה",
		UnknownUser:      "משתמש לא ידוע",
		ImageLikeTitle:   "קיבלת לייק חדש!",
		ImageLikeBody:    "{liker} אהב את התמונה שלך",
		JoinRequestTitle: "בקשת הצטרפות לאירוע",
		JoinRequestBody:  "{sender} מבקש/ת להצטרף לאירוע: {event}",
		AcceptedTitle:    "בקשתך אושרה!",
		AcceptedBody:     `הבקשה שלך להצטרף לאירוע "{event}" אושרה.`,
		DeclinedTitle:    "בקשתך נדחתה",
		DeclinedBody:     `הבקשה שלך להצטרף לאירוע "{event}" נדחתה.`,
	},
	"en": {
		NewMessageTitle:  "New message",
		NewMessageBody:   "{sender} sent you a message",
		UnknownUser:      "Unknown user",
		ImageLikeTitle:   "You got a new like!",
		ImageLikeBody:    "{liker} liked your photo",
		JoinRequestTitle: "Event join request",
		JoinRequestBody:  "{sender} asked to join the event: {event}",
		AcceptedTitle:    "Your request was accepted!",
		AcceptedBody:     `Your request to join "{event}" was accepted.`,
		DeclinedTitle:    "Your request was declined",
		DeclinedBody:     `Your request to join "{event}" was declined.`,
	},
}

// CatalogFor returns the catalog for locale, falling back to Hebrew.
func CatalogFor(locale string) Catalog {
	if c, ok := catalogs[strings.ToLower(locale)]; ok {
		return c
	}
	return catalogs["he"]
}

func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
