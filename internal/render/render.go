// Package render turns posts into notification content. It owns no
// delivery or eligibility logic; callers pass it rows they already decided
// to send.
package render

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"ForumPulse/internal/models"
)

const anonymousAuthor = "Forum author"

type postData struct {
	Course     string
	Forum      string
	Discussion string
	Subject    string
	Author     string
	Created    string
	Message    string
	// MessageHTML is stored pre-rendered forum markup.
	MessageHTML htmltemplate.HTML
}

const postTextTmpl = `{{.Course}} » {{.Forum}} » {{.Discussion}}

{{.Subject}}
{{.Author}} — {{.Created}}
---------------------------------------------------------------------
{{.Message}}
---------------------------------------------------------------------
`

const postHTMLTmpl = `<div class="forum-post">
<p class="path">{{.Course}} &raquo; {{.Forum}} &raquo; {{.Discussion}}</p>
<h3>{{.Subject}}</h3>
<p class="meta">{{.Author}} &mdash; {{.Created}}</p>
<div class="body">{{.MessageHTML}}</div>
</div>
`

const headerTextTmpl = `==== {{.Course}} » {{.Forum}} » {{.Discussion}} ====
`

const headerHTMLTmpl = `<hr><h2>{{.Course}} &raquo; {{.Forum}} &raquo; {{.Discussion}}</h2>
`

const lineTextTmpl = `* {{.Subject}} ({{.Author}}, {{.Created}})
`

const lineHTMLTmpl = `<li>{{.Subject}} <span class="meta">({{.Author}}, {{.Created}})</span></li>
`

type Renderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

func New() (*Renderer, error) {
	text := texttemplate.New("post")
	if _, err := text.Parse(postTextTmpl); err != nil {
		return nil, fmt.Errorf("text template parse: %w", err)
	}
	if _, err := text.New("header").Parse(headerTextTmpl); err != nil {
		return nil, fmt.Errorf("text template parse: %w", err)
	}
	if _, err := text.New("line").Parse(lineTextTmpl); err != nil {
		return nil, fmt.Errorf("text template parse: %w", err)
	}

	html := htmltemplate.New("post")
	if _, err := html.Parse(postHTMLTmpl); err != nil {
		return nil, fmt.Errorf("html template parse: %w", err)
	}
	if _, err := html.New("header").Parse(headerHTMLTmpl); err != nil {
		return nil, fmt.Errorf("html template parse: %w", err)
	}
	if _, err := html.New("line").Parse(lineHTMLTmpl); err != nil {
		return nil, fmt.Errorf("html template parse: %w", err)
	}

	return &Renderer{text: text, html: html}, nil
}

// Author is the display name recipients see; hide-author forums get an
// anonymized label in every rendering path.
func (r *Renderer) Author(f *models.Forum, u *models.User) string {
	if f.HideAuthor {
		return anonymousAuthor
	}
	return u.Name
}

// Subject builds the mail subject for an immediate notification.
func (r *Renderer) Subject(c *models.Course, f *models.Forum, p *models.Post) string {
	return fmt.Sprintf("%s: %s", c.ShortName, p.Subject)
}

// DigestSubject builds the mail subject for one day's digest.
func (r *Renderer) DigestSubject(day time.Time) string {
	return fmt.Sprintf("Forum digest for %s", day.Format("Jan 2, 2006"))
}

func (r *Renderer) data(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) postData {
	data := postData{
		Course:     c.ShortName,
		Forum:      f.Name,
		Discussion: d.Name,
		Author:     author,
	}
	if p != nil {
		data.Subject = p.Subject
		data.Created = p.Created.Format("Jan 2, 2006 15:04")
		data.Message = p.Message
		data.MessageHTML = htmltemplate.HTML(p.MessageHTML)
	}
	return data
}

func (r *Renderer) execText(name string, data postData) (string, error) {
	var buf bytes.Buffer
	if err := r.text.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *Renderer) execHTML(name string, data postData) (string, error) {
	var buf bytes.Buffer
	if err := r.html.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// PostText renders the full plain-text body of one post.
func (r *Renderer) PostText(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error) {
	return r.execText("post", r.data(c, f, d, p, author))
}

// PostHTML renders the full HTML body of one post.
func (r *Renderer) PostHTML(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error) {
	return r.execHTML("post", r.data(c, f, d, p, author))
}

// DigestHeaderText renders the once-per-discussion heading of a digest.
func (r *Renderer) DigestHeaderText(c *models.Course, f *models.Forum, d *models.Discussion) (string, error) {
	return r.execText("header", r.data(c, f, d, nil, ""))
}

func (r *Renderer) DigestHeaderHTML(c *models.Course, f *models.Forum, d *models.Discussion) (string, error) {
	return r.execHTML("header", r.data(c, f, d, nil, ""))
}

// SubjectLineText renders the one-line form used by subject-only digests.
func (r *Renderer) SubjectLineText(p *models.Post, author string) (string, error) {
	return r.execText("line", postData{
		Subject: p.Subject,
		Author:  author,
		Created: p.Created.Format("Jan 2, 2006 15:04"),
	})
}

func (r *Renderer) SubjectLineHTML(p *models.Post, author string) (string, error) {
	return r.execHTML("line", postData{
		Subject: p.Subject,
		Author:  author,
		Created: p.Created.Format("Jan 2, 2006 15:04"),
	})
}
