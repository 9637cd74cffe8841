package fhir

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FastpathEligible reports whether a search response can be assembled from
// raw bytes. Anything that has to look inside resource bodies forces the
// parsed path.
func FastpathEligible(req *SearchRequest, enabled bool) bool {
	if !enabled {
		return false
	}
	if len(req.Elements) > 0 {
		return false
	}
	switch req.Summary {
	case "", "false", "count":
		return true
	default:
		return false
	}
}

// FastSearchSet assembles a searchset bundle by concatenating the stored
// resource bytes verbatim. The output matches BuildSearchBundle for the
// cases FastpathEligible admits. Document bodies are trusted to be valid
// JSON because the write path validated them on the way in.
func FastSearchSet(req *SearchRequest, result *Result, baseURL string) []byte {
	var buf bytes.Buffer
	buf.Grow(estimateSize(result))

	buf.WriteString(`{"resourceType":"Bundle","type":"searchset","total":`)
	buf.WriteString(strconv.FormatInt(result.Total, 10))

	buf.WriteString(`,"link":[`)
	for i, link := range PagingLinks(req, result.Total, baseURL) {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"relation":`)
		writeJSONString(&buf, link.Relation)
		buf.WriteString(`,"url":`)
		writeJSONString(&buf, link.URL)
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	if req.Summary != "count" && len(result.Entries) > 0 {
		buf.WriteString(`,"entry":[`)
		for i, entry := range result.Entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(`{"fullUrl":`)
			writeJSONString(&buf, baseURL+"/"+entry.Key)
			buf.WriteString(`,"resource":`)
			buf.Write(entry.Body)
			buf.WriteString(`,"search":{"mode":`)
			writeJSONString(&buf, entry.Mode)
			buf.WriteString(`}}`)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes()
}

// writeJSONString writes s as a JSON string literal, escaping as needed.
func writeJSONString(buf *bytes.Buffer, s string) {
	raw, err := json.Marshal(s)
	if err != nil {
		buf.WriteString(`""`)
		return
	}
	buf.Write(raw)
}

func estimateSize(result *Result) int {
	n := 512
	for _, entry := range result.Entries {
		n += len(entry.Body) + 160
	}
	return n
}
