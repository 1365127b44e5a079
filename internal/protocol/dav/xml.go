package dav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Elements are written with a literal "D:" prefix bound to the DAV:
// namespace on the root element.
const davNamespace = "DAV:"

type multistatus struct {
	XMLName   xml.Name     `xml:"D:multistatus"`
	Namespace string       `xml:"xmlns:D,attr"`
	Responses []msResponse `xml:"D:response"`
}

type msResponse struct {
	Href     string     `xml:"D:href"`
	Propstat msPropstat `xml:"D:propstat"`
}

type msPropstat struct {
	Prop   msProp `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type msProp struct {
	DisplayName   string         `xml:"D:displayname,omitempty"`
	ResourceType  resourceType   `xml:"D:resourcetype"`
	ContentLength string         `xml:"D:getcontentlength,omitempty"`
	ContentType   string         `xml:"D:getcontenttype,omitempty"`
	LastModified  string         `xml:"D:getlastmodified,omitempty"`
	ETag          string         `xml:"D:getetag,omitempty"`
	SupportedLock *supportedLock `xml:"D:supportedlock,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

type supportedLock struct {
	LockEntry lockEntry `xml:"D:lockentry"`
}

type lockEntry struct {
	LockScope lockScope `xml:"D:lockscope"`
	LockType  lockType  `xml:"D:locktype"`
}

type lockScope struct {
	Exclusive struct{} `xml:"D:exclusive"`
}

type lockType struct {
	Write struct{} `xml:"D:write"`
}

type lockDiscovery struct {
	ActiveLocks []activeLock `xml:"D:activelock"`
}

type activeLock struct {
	LockType  lockType   `xml:"D:locktype"`
	LockScope lockScope  `xml:"D:lockscope"`
	Depth     string     `xml:"D:depth"`
	Owner     *lockOwner `xml:"D:owner,omitempty"`
	Timeout   string     `xml:"D:timeout"`
	LockToken hrefElem   `xml:"D:locktoken"`
	LockRoot  hrefElem   `xml:"D:lockroot"`
}

type lockOwner struct {
	Inner string `xml:",innerxml"`
}

type hrefElem struct {
	Href string `xml:"D:href"`
}

type propDocument struct {
	XMLName       xml.Name      `xml:"D:prop"`
	Namespace     string        `xml:"xmlns:D,attr"`
	LockDiscovery lockDiscovery `xml:"D:lockdiscovery"`
}

// lockInfoRequest is the LOCK request body.
type lockInfoRequest struct {
	XMLName   xml.Name `xml:"DAV: lockinfo"`
	LockScope struct {
		Exclusive *struct{} `xml:"DAV: exclusive"`
		Shared    *struct{} `xml:"DAV: shared"`
	} `xml:"DAV: lockscope"`
	Owner *lockOwner `xml:"DAV: owner"`
}

// propfindRequest is the PROPFIND request body. Only its well-formedness
// is checked; every request is answered as allprop.
type propfindRequest struct {
	XMLName xml.Name `xml:"DAV: propfind"`
}

func parseLockInfo(body []byte) (*lockInfoRequest, error) {
	var li lockInfoRequest
	if err := xml.Unmarshal(body, &li); err != nil {
		return nil, fmt.Errorf("parse lockinfo: %w", err)
	}
	return &li, nil
}

func marshalXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

func propsOf(prefix string, r *resource) msResponse {
	p := msProp{SupportedLock: &supportedLock{}}
	if r.path != "/" {
		p.DisplayName = displayName(r.path)
	}
	if r.collection {
		p.ResourceType.Collection = &struct{}{}
	} else {
		p.ContentLength = strconv.Itoa(len(r.body))
		p.ContentType = r.contentType
		if p.ContentType == "" {
			p.ContentType = defaultContentType
		}
		p.ETag = r.etag()
	}
	if !r.modified.IsZero() {
		p.LastModified = r.modified.UTC().Format(http.TimeFormat)
	}
	return msResponse{
		Href:     href(prefix, r),
		Propstat: msPropstat{Prop: p, Status: statusLine(http.StatusOK)},
	}
}

func displayName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func activeLockOf(prefix string, l *lockInfo) activeLock {
	al := activeLock{
		Depth:     "0",
		Timeout:   formatTimeout(l.timeout),
		LockToken: hrefElem{Href: l.token},
		LockRoot:  hrefElem{Href: href(prefix, &resource{path: l.root})},
	}
	if l.deep {
		al.Depth = depthInfinity
	}
	if l.owner != "" {
		al.Owner = &lockOwner{Inner: l.owner}
	}
	return al
}

func formatTimeout(d time.Duration) string {
	return "Second-" + strconv.FormatInt(int64(d/time.Second), 10)
}
