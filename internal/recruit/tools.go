package recruit

import (
	"fmt"

	"github.com/dshills/durable-graph/graph/tool"
)

var (
	instantly = tool.Integration{Name: "Instantly (outreach)", EnvVar: "INSTANTLY_API_KEY", Docs: "https://developer.instantly.ai/"}
	heygen    = tool.Integration{Name: "HeyGen (video)", EnvVar: "HEYGEN_API_KEY", Docs: "https://docs.heygen.com/"}
	stripe    = tool.Integration{Name: "Stripe (billing)", EnvVar: "STRIPE_SECRET_KEY", Docs: "https://dashboard.stripe.com/apikeys"}
)

// patterns maps substrings of normalised design tool names to capabilities.
// More specific entries come first.
var patterns = [][2]string{
	{"instantly", "instantly_send_campaign"},
	{"email_marketing", "instantly_send_campaign"},
	{"email_automation", "instantly_send_campaign"},
	{"email_sms", "instantly_send_campaign"},
	{"heygen", "heygen_create_video"},
	{"video", "heygen_create_video"},
	{"stripe", "stripe_create_invoice"},
	{"invoic", "stripe_create_invoice"},
	{"accounting", "accounting"},
	{"bi_dashboard", "accounting"},
	{"reporting", "accounting"},
	{"payroll", "payroll"},
	{"ats_keyword", "ats_crm_search"},
	{"ats_screening", "ats_crm_search"},
	{"ats_crm", "ats_crm"},
	{"calendar", "calendar_scheduling"},
	{"scheduling", "calendar_scheduling"},
	{"calendly", "calendar_scheduling"},
	{"document_generation", "document_generation"},
	{"docusign", "document_generation"},
	{"contract_template", "document_generation"},
	{"document_management", "document_storage"},
	{"sharepoint", "document_storage"},
	{"dms", "document_storage"},
	{"crm", "crm_software"},
	{"linkedin", "linkedin_recruiter"},
	{"job_board", "job_boards"},
	{"web_scrap", "web_scraper"},
	{"industry_database", "industry_database"},
	{"online_search", "online_search"},
	{"corporate_directories", "online_search"},
	{"survey", "survey"},
}

// stubbed capabilities have no real integration yet.
var stubbed = []string{
	"ats_crm", "ats_crm_search", "calendar_scheduling", "document_storage",
	"document_generation", "crm_software", "linkedin_recruiter", "job_boards",
	"web_scraper", "payroll", "accounting", "survey", "online_search",
	"industry_database",
}

// Tools builds the capability registry of the recruitment pipeline.
// lookupEnv reads integration credentials; nil means the process
// environment.
func Tools(lookupEnv func(string) (string, bool)) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	if lookupEnv != nil {
		reg.WithEnv(lookupEnv)
	}

	var httpOpts []tool.HTTPOption
	if lookupEnv != nil {
		httpOpts = append(httpOpts, tool.WithLookupEnv(lookupEnv))
	}
	integrated := func(name, method, url string, in tool.Integration, aliases ...string) tool.Capability {
		opts := append([]tool.HTTPOption{tool.WithCredential(in)}, httpOpts...)
		return tool.Capability{
			Name:        name,
			Tool:        tool.NewHTTPTool(name, method, url, opts...),
			Aliases:     aliases,
			Integration: &in,
		}
	}

	caps := []tool.Capability{
		integrated("instantly_send_campaign", "POST", "https://api.instantly.ai/api/v2/campaign/launch", instantly,
			"email_marketing_platform", "email_automation"),
		integrated("instantly_add_leads", "POST", "https://api.instantly.ai/api/v2/lead/add", instantly),
		integrated("instantly_get_campaigns", "GET", "https://api.instantly.ai/api/v2/campaign/list", instantly),
		integrated("heygen_create_video", "POST", "https://api.heygen.com/v2/video/generate", heygen, "video_generation"),
		integrated("stripe_create_invoice", "POST", "https://api.stripe.com/v1/invoices", stripe,
			"invoicing_software", "invoicing"),
		integrated("stripe_create_customer", "POST", "https://api.stripe.com/v1/customers", stripe),
	}
	for _, name := range stubbed {
		caps = append(caps, tool.Capability{Name: name, Tool: tool.NewStub(name)})
	}

	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, p := range patterns {
		if err := reg.AddPattern(p[0], p[1]); err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p[0], err)
		}
	}
	return reg, nil
}
