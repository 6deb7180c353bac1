// Package prompt builds the two fixed model prompts: the DRIVE scoring rubric
// and the cold email brief. Builders are pure and substitute inputs verbatim.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/stellarlinkco/prospector/internal/account"
)

const scoreTemplate = `You are a B2B sales intelligence analyst specializing in the demo automation and lead routing space. You work for Surface Labs, which provides AI-powered demo scheduling, lead routing, and qualification for B2B SaaS companies.

Analyze the following company and score them on the DRIVE framework. Each signal is scored 1-10.

**DRIVE Framework:**
- **D — Demo-dependent**: How central are product demos to their sales motion? Do they have a "Request Demo" or "Book a Demo" CTA? Is their product complex enough to require guided demos? (10 = their entire GTM runs on demos)
- **R — Real ad spend**: Are they investing real money in paid acquisition (Google Ads, LinkedIn, etc.) that drives inbound leads needing routing? (10 = heavy paid spend with clear inbound motion)
- **I — Intricate routing**: Do they need complex lead routing? Multiple products, regions, segments, or sales teams that make round-robin insufficient? (10 = highly complex routing needs)
- **V — Velocity**: Does speed-to-lead matter for their business? High-velocity sales cycle where response time directly impacts conversion? (10 = every minute of delay costs deals)
- **E — Evidence**: Is there public evidence of the above signals? Job postings for SDRs, G2 reviews mentioning demos, visible tech stack, case studies about conversion optimization? (10 = abundant public evidence)

Company to analyze:
{company_json}

Respond in this exact JSON format:
{
  "demo": <number 1-10>,
  "realAdSpend": <number 1-10>,
  "intricateRouting": <number 1-10>,
  "velocity": <number 1-10>,
  "evidence": <number 1-10>,
  "total": <number — sum of all 5>,
  "reasoning": {
    "demo": "<1-2 sentence explanation>",
    "realAdSpend": "<1-2 sentence explanation>",
    "intricateRouting": "<1-2 sentence explanation>",
    "velocity": "<1-2 sentence explanation>",
    "evidence": "<1-2 sentence explanation>"
  },
  "topPainSignal": "<The single most compelling pain point Surface can solve for this company>",
  "summary": "<2-3 sentence executive summary of why Surface should target this account>"
}`

const emailTemplate = `You are an elite B2B cold email copywriter. You write for Surface Labs, which provides AI-powered demo scheduling, lead routing, and inbound qualification for B2B SaaS companies.

**Surface proof point**: Nextiva saw a 3x increase in qualified demos after implementing Surface's AI routing. Use this naturally if relevant — don't force it.

Write a cold outbound email to {buyer_persona} at {company_name}.

**Lead with this pain signal**: {top_pain_signal}
**Angle**: {angle}
**What Surface does for companies like them**: {relevant_surface_value_prop}

**Rules:**
1. Under 120 words total
2. No "Hope this finds you well" or any generic opener
3. First sentence must reference something specific about THEIR company
4. One clear, specific value proposition
5. Soft CTA — suggest a conversation, don't demand a meeting time
6. Sound like a human, not a template
7. No bullet points in the email body

Respond in this exact JSON format:
{
  "subject": "<subject line — under 8 words, no clickbait>",
  "body": "<full email body>",
  "angle": "<2-3 word description of the angle used>",
  "personalizationNotes": "<explain what you personalized and why this angle works>"
}`

// DefaultAngles are the outreach angles offered when drafting an email.
var DefaultAngles = []string{
	"demo conversion",
	"routing complexity",
	"speed-to-lead",
	"paid inbound",
}

// DefaultPersona is addressed when neither the request nor the company names one.
const DefaultPersona = "Revenue leader"

// EmailParams are the five slots of the email template.
type EmailParams struct {
	BuyerPersona  string
	CompanyName   string
	TopPainSignal string
	Angle         string
	ValueProp     string
}

// BuildScorePrompt embeds the indented JSON form of c into the DRIVE rubric.
func BuildScorePrompt(c account.Company) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	var companyJSON string
	if err := enc.Encode(c); err != nil {
		companyJSON = fmt.Sprintf("%+v", c)
	} else {
		companyJSON = strings.TrimRight(buf.String(), "\n")
	}
	return strings.Replace(scoreTemplate, "{company_json}", companyJSON, 1)
}

// BuildEmailPrompt fills the email brief. Slot values are inserted as given,
// including empty strings.
func BuildEmailPrompt(p EmailParams) string {
	return strings.NewReplacer(
		"{buyer_persona}", p.BuyerPersona,
		"{company_name}", p.CompanyName,
		"{top_pain_signal}", p.TopPainSignal,
		"{angle}", p.Angle,
		"{relevant_surface_value_prop}", p.ValueProp,
	).Replace(emailTemplate)
}

var (
	demoIndustry    = regexp.MustCompile(`(?i)demo|interactive`)
	peopleIndustry  = regexp.MustCompile(`(?i)hr|people|recruit`)
	financeIndustry = regexp.MustCompile(`(?i)billing|finance|spend`)
)

// ValueProp picks the pitch line that fits the company's industry.
func ValueProp(c account.Company) string {
	switch {
	case demoIndustry.MatchString(c.Industry):
		return "Increase demo show rates and route product tour interest to the right AE instantly."
	case peopleIndustry.MatchString(c.Industry):
		return "Route high-intent HR buyers fast and book qualified demos without manual triage."
	case financeIndustry.MatchString(c.Industry):
		return "Qualify inbound finance leads quickly and route by region, segment, and spend size."
	default:
		return "Qualify inbound demo requests instantly and route by segment, region, and product line."
	}
}

// Persona resolves who the email addresses: the explicit choice, then the
// company's first listed persona, then DefaultPersona.
func Persona(explicit string, c account.Company) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	for _, p := range c.BuyerPersonas {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return DefaultPersona
}
