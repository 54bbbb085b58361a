package daemon

import (
	"encoding/json"
	"strings"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/pkg/dataxfr"
)

// formatResponse renders the negotiated wire form: the envelope for
// structured clients, HTML with accumulated head entries otherwise.
// X-Accept wins over Accept.
func formatResponse(env *reqenv.Env) {
	res := env.Res
	accept := env.Req.XArg("X-Accept")
	if accept == "" {
		accept = env.Req.Headers.Get("Accept")
	}

	if res.Envelope != nil {
		switch {
		case strings.Contains(accept, "text/data-xfr"):
			head, _ := json.Marshal(res.Envelope.Head)
			body, _ := json.Marshal(res.Envelope.Body)
			res.Body = dataxfr.Encode(head, body)
			res.Headers.Set("Content-Type", dataxfr.ContentType)
			res.Headers.Set("X-Content-Format", "data-xfr")
			res.Headers.Set("X-Content-Charset", "utf-8")
			return
		case strings.Contains(accept, "text/json-hash"):
			// legacy form: the bare body, no head
			res.Body, _ = json.Marshal(res.Envelope.Body)
			res.Headers.Set("Content-Type", "text/json-hash; charset=utf-8")
			res.Headers.Set("X-Content-Format", "json-hash")
			return
		case strings.Contains(accept, "application/json"), strings.Contains(accept, "text/json"):
			res.Body, _ = json.Marshal(res.Envelope)
			res.Headers.Set("Content-Type", "application/json; charset=utf-8")
			res.Headers.Set("X-Content-Format", "json")
			return
		default:
			out, _ := json.MarshalIndent(res.Envelope, "", "  ")
			res.Body = []byte("<html><head></head><body><pre>" + htmlEscape(string(out)) + "</pre></body></html>\n")
			res.Headers.Set("Content-Type", "text/html; charset=utf-8")
		}
	}

	if len(res.HeadEntries) > 0 {
		res.Body = insertHeadEntries(res.Body, res.HeadEntries)
	}
}

// insertHeadEntries splices the accumulated head fragments before the
// closing head tag, or prepends them when the document has none.
func insertHeadEntries(body []byte, entries []reqenv.HeadEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		switch e.Kind {
		case "css":
			b.WriteString(`<link rel="stylesheet" href="` + e.Value + `"/>` + "\n")
		case "js":
			b.WriteString(`<script src="` + e.Value + `"></script>` + "\n")
		default:
			b.WriteString(e.Value + "\n")
		}
	}
	frag := b.String()

	doc := string(body)
	if i := strings.Index(strings.ToLower(doc), "</head>"); i >= 0 {
		return []byte(doc[:i] + frag + doc[i:])
	}
	return []byte(frag + doc)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
