package provisioning

import "strings"

// vendorTemplate describes how one phone vendor's auto-provisioning config
// is rendered: its content type, the literal MAC placeholder its own config
// format expects (distinct from the generic {{MAC_ADDRESS}} substitution
// token below), and the template body itself.
type vendorTemplate struct {
	ContentType string
	MACToken    string
	Body        string
}

// vendorTemplates maps a provisioned device's vendor tag to its config
// template. Unknown vendors fall back to genericTemplate.
var vendorTemplates = map[string]vendorTemplate{
	"cisco": {
		ContentType: "text/xml",
		MACToken:    "$MA",
		Body: `<?xml version="1.0" encoding="UTF-8"?>
<device>
  <mac>$MA</mac>
  <sip>
    <proxy>{{SERVER_IP}}:{{SIP_PORT}}</proxy>
    <line1>
      <extension>{{EXTENSION}}</extension>
      <password>{{PASSWORD}}</password>
      <displayName>{{DISPLAY_NAME}}</displayName>
    </line1>
  </sip>
</device>
`,
	},
	"yealink": {
		ContentType: "text/plain",
		MACToken:    "$mac",
		Body: `#!version:1.0.0.1
account.1.enable = 1
account.1.label = {{DISPLAY_NAME}}
account.1.user_name = {{EXTENSION}}
account.1.auth_name = {{EXTENSION}}
account.1.password = {{PASSWORD}}
account.1.sip_server.1.address = {{SERVER_IP}}
account.1.sip_server.1.port = {{SIP_PORT}}
local_time.time_zone_name = ""
mac = $mac
`,
	},
	"grandstream": {
		ContentType: "text/plain",
		MACToken:    "$mac",
		Body: `P47 = {{DISPLAY_NAME}}
P35 = {{EXTENSION}}
P34 = {{PASSWORD}}
P36 = {{EXTENSION}}
P270 = {{SERVER_IP}}
P271 = {{SIP_PORT}}
MAC = $mac
`,
	},
	"polycom": {
		ContentType: "text/xml",
		MACToken:    "$mac",
		Body: `<?xml version="1.0" encoding="UTF-8"?>
<phoneConfig mac="$mac">
  <reg reg.1.server.1.address="{{SERVER_IP}}" reg.1.server.1.port="{{SIP_PORT}}"
       reg.1.address="{{EXTENSION}}" reg.1.auth.userId="{{EXTENSION}}"
       reg.1.auth.password="{{PASSWORD}}" reg.1.label="{{DISPLAY_NAME}}"/>
</phoneConfig>
`,
	},
	"zultys": {
		ContentType: "text/plain",
		MACToken:    "$mac",
		Body: `# Zultys ` + "`{{MODEL}}`" + ` auto-provision
mac=$mac
sip.server={{SERVER_IP}}:{{SIP_PORT}}
sip.user={{EXTENSION}}
sip.authid={{EXTENSION}}
sip.password={{PASSWORD}}
sip.displayname={{DISPLAY_NAME}}
`,
	},
}

// genericTemplate is used when a device's vendor tag has no dedicated entry.
var genericTemplate = vendorTemplate{
	ContentType: "text/plain",
	MACToken:    "$mac",
	Body: `mac={{MAC_ADDRESS}}
vendor={{VENDOR}}
model={{MODEL}}
sip.server={{SERVER_IP}}
sip.port={{SIP_PORT}}
sip.user={{EXTENSION}}
sip.password={{PASSWORD}}
sip.displayname={{DISPLAY_NAME}}
`,
}

// templateForVendor looks up the vendor's template, case-insensitively,
// falling back to genericTemplate for an unrecognized vendor tag.
func templateForVendor(vendor string) vendorTemplate {
	if t, ok := vendorTemplates[strings.ToLower(vendor)]; ok {
		return t
	}
	return genericTemplate
}

// renderVars holds the substitution values for a single device's config.
type renderVars struct {
	ServerIP    string
	SIPPort     string
	Extension   string
	Password    string
	DisplayName string
	MACAddress  string
	Vendor      string
	Model       string
}

// render substitutes both the generic {{TOKEN}} placeholders and the
// vendor's own literal MAC placeholder, and returns the finished config body.
func render(t vendorTemplate, v renderVars) []byte {
	replacer := strings.NewReplacer(
		"{{SERVER_IP}}", v.ServerIP,
		"{{SIP_PORT}}", v.SIPPort,
		"{{EXTENSION}}", v.Extension,
		"{{PASSWORD}}", v.Password,
		"{{DISPLAY_NAME}}", v.DisplayName,
		"{{MAC_ADDRESS}}", v.MACAddress,
		"{{VENDOR}}", v.Vendor,
		"{{MODEL}}", v.Model,
		t.MACToken, v.MACAddress,
	)
	return []byte(replacer.Replace(t.Body))
}
