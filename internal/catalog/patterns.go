package catalog

import "regexp"

type categoryDef struct {
	name    Category
	score   int
	action  Action
	targets []Field
	rules   []Rule
}

var injectionTargets = []Field{FieldURL, FieldUserAgent, FieldReferer, FieldBody, FieldQuery, FieldHeaders}

func rule(cat Category, name, pattern string) Rule {
	return Rule{Name: name, Category: cat, Regex: regexp.MustCompile(pattern)}
}

func genericRule(cat Category, name, pattern string) Rule {
	r := rule(cat, name, pattern)
	r.Generic = true
	return r
}

// tables is the authoritative rule set. The command-injection score is
// replaced per profile in Build.
var tables = []categoryDef{
	{
		name: SQLInjection, score: 100, action: ActionBlock, targets: injectionTargets,
		rules: []Rule{
			rule(SQLInjection, "sqli_union_select", `(?i)union(\s|/\*.*?\*/|\+)+(all(\s|\+)+)?select`),
			rule(SQLInjection, "sqli_quote_tautology", `(?i)'.*or.*'.*=`),
			rule(SQLInjection, "sqli_numeric_tautology", `(?i)\b(or|and)\s+\d+\s*=\s*\d+`),
			rule(SQLInjection, "sqli_stacked_query", `(?i);\s*(drop|alter|truncate|delete|insert|update|create)\s`),
			rule(SQLInjection, "sqli_time_based", `(?i)(\b(sleep|pg_sleep|benchmark)\s*\(\s*\d+|waitfor\s+delay\s+')`),
			rule(SQLInjection, "sqli_schema_enum", `(?i)(information_schema|sysobjects|syscolumns|pg_catalog|sqlite_master)`),
			rule(SQLInjection, "sqli_comment_terminator", `'\s*(--|#|/\*)`),
		},
	},
	{
		name: XSS, score: 90, action: ActionBlock, targets: injectionTargets,
		rules: []Rule{
			rule(XSS, "xss_script_tag", `(?i)<\s*script[^>]*>`),
			rule(XSS, "xss_event_handler", `(?i)\bon(error|load|click|mouseover|mouseenter|focus|blur|submit|toggle)\s*=`),
			rule(XSS, "xss_script_uri", `(?i)(javascript|vbscript)\s*:`),
			rule(XSS, "xss_embed_tag", `(?i)<\s*(iframe|embed|object|svg)\b`),
			rule(XSS, "xss_dom_sink", `(?i)(document\.(cookie|write|location)|window\.location|\beval\s*\()`),
		},
	},
	{
		name: PathTraversal, score: 80, action: ActionBlock, targets: injectionTargets,
		rules: []Rule{
			rule(PathTraversal, "path_dot_dot", `\.\.[/\\]`),
			rule(PathTraversal, "path_encoded_dot_dot", `(?i)(%2e%2e(%2f|%5c|/|\\)|%252e%252e)`),
			rule(PathTraversal, "path_sensitive_file", `(?i)(/etc/(passwd|shadow|hosts)|/proc/self/|[a-z]:\\+windows\\+system32|boot\.ini)`),
			rule(PathTraversal, "path_null_byte", `(%00|\x00)`),
		},
	},
	{
		name: CommandInjection, score: 100, action: ActionBlock, targets: injectionTargets,
		rules: []Rule{
			rule(CommandInjection, "cmd_chained", `(?i)(;|\|\|?|&&)\s*(cat|ls|id|whoami|uname|pwd|wget|curl|nc|ncat|bash|sh|powershell|python|perl|rm|chmod)\b`),
			rule(CommandInjection, "cmd_shell_path", `(?i)(/bin/(ba)?sh\b|\bcmd\.exe\b|\bpowershell\.exe\b)`),
			rule(CommandInjection, "cmd_reverse_shell", `(?i)(bash\s+-i\s*>&|\bnc\s+-e\s|/dev/(tcp|udp)/)`),
			rule(CommandInjection, "cmd_ifs_expansion", `\$\{?IFS\}?`),
			genericRule(CommandInjection, "cmd_substitution", `\$\([^)]*\)`),
			genericRule(CommandInjection, "cmd_backtick", "`[^`]+`"),
		},
	},
	{
		name: BotSignature, score: 60, action: ActionMonitor, targets: []Field{FieldUserAgent},
		rules: []Rule{
			rule(BotSignature, "bot_scanner_tool", `(?i)(sqlmap|nikto|nmap|masscan|acunetix|netsparker|havij|w3af|wpscan|dirbuster|gobuster|nuclei|zgrab|hydra)`),
			rule(BotSignature, "bot_http_library", `(?i)^(python-requests|python-urllib|go-http-client|libwww-perl|java/|okhttp|scrapy)`),
		},
	},
	{
		name: SuspiciousHeader, score: 40, action: ActionMonitor, targets: []Field{FieldHeaders},
		rules: []Rule{
			rule(SuspiciousHeader, "header_url_override", `(?i)"x-(original|rewrite)-url"`),
			rule(SuspiciousHeader, "header_method_override", `(?i)"x-(http-)?method-override"`),
			rule(SuspiciousHeader, "header_crlf", `(?i)(\r\n|\\r\\n|%0d%0a)`),
			rule(SuspiciousHeader, "header_long_proxy_chain", `(?i)"x-forwarded-for":\["[^"]*(,[^",]*){5,}"`),
		},
	},
	{
		// Rule-less: scored by the volume tracker.
		name: Volume, score: 30, action: ActionThrottle,
	},
}
