package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	apperrors "arp/pkg/errors"
)

var templateVarRe = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// VariableResolver 模板变量解析器
//
// 只做变量查找和少量过滤器，不执行任何表达式。引用未定义的变量直接报错，
// 不会替换成空字符串。
type VariableResolver struct {
	jsonPath *JSONPath
}

// NewVariableResolver 创建变量解析器
func NewVariableResolver() *VariableResolver {
	return &VariableResolver{
		jsonPath: NewJSONPath(),
	}
}

// Render 渲染字符串模板
// 支持的格式：
// - {{variable_name}} - 简单变量
// - {{alert.labels.host}} - 嵌套路径，可带 $. 前缀
// - {{hosts[0]}} - 数组索引
// - {{service_name|default:unknown}} - 默认值
// - {{name|upper}}、{{name|lower}}、{{name|trim}}、{{name|quote}}、{{obj|json}}
func (r *VariableResolver) Render(tmpl string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	if strings.Count(tmpl, "{{") != len(templateVarRe.FindAllStringIndex(tmpl, -1)) {
		return "", apperrors.TemplateError("模板表达式未闭合")
	}

	var firstErr error
	out := templateVarRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := templateVarRe.FindStringSubmatch(match)[1]
		value, err := r.resolveVariable(expr, vars)
		if err != nil {
			firstErr = err
			return match
		}
		return toString(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// CheckSyntax 只检查模板结构和过滤器名称，不要求变量已定义
func (r *VariableResolver) CheckSyntax(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	matches := templateVarRe.FindAllStringSubmatch(tmpl, -1)
	if strings.Count(tmpl, "{{") != len(matches) {
		return apperrors.TemplateError("模板表达式未闭合")
	}
	for _, m := range matches {
		parts := strings.Split(m[1], "|")
		if strings.TrimSpace(parts[0]) == "" {
			return apperrors.TemplateError("模板表达式为空")
		}
		for _, raw := range parts[1:] {
			filter := strings.TrimSpace(raw)
			if strings.HasPrefix(filter, "default:") {
				continue
			}
			switch filter {
			case "upper", "lower", "trim", "quote", "json":
			default:
				return apperrors.TemplateError(fmt.Sprintf("未知的过滤器 %q", filter))
			}
		}
	}
	return nil
}

// RenderMap 渲染 map 中的每个值
func (r *VariableResolver) RenderMap(m map[string]string, vars map[string]interface{}) (map[string]string, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		rendered, err := r.Render(v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// ResolveAll 递归渲染结构化数据中的字符串
func (r *VariableResolver) ResolveAll(data interface{}, vars map[string]interface{}) (interface{}, error) {
	switch v := data.(type) {
	case string:
		return r.Render(v, vars)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for k, val := range v {
			rv, err := r.ResolveAll(val, vars)
			if err != nil {
				return nil, err
			}
			resolved[k] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			rv, err := r.ResolveAll(val, vars)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return v, nil
	}
}

// References 列出模板引用的变量根名，用于导入时校验
func (r *VariableResolver) References(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range templateVarRe.FindAllStringSubmatch(tmpl, -1) {
		path := strings.TrimSpace(strings.SplitN(m[1], "|", 2)[0])
		path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
		root := strings.FieldsFunc(path, func(c rune) bool { return c == '.' || c == '[' })
		if len(root) == 0 || seen[root[0]] {
			continue
		}
		seen[root[0]] = true
		names = append(names, root[0])
	}
	return names
}

// resolveVariable 解析单个变量表达式
func (r *VariableResolver) resolveVariable(expr string, vars map[string]interface{}) (interface{}, error) {
	parts := strings.Split(expr, "|")
	varPath := strings.TrimSpace(parts[0])
	if varPath == "" {
		return nil, apperrors.TemplateError("模板表达式为空")
	}

	value, found := r.jsonPath.Lookup(varPath, vars)
	if found && value == nil {
		found = false
	}

	for _, raw := range parts[1:] {
		filter := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(filter, "default:"):
			if !found {
				value = unquote(strings.TrimSpace(strings.TrimPrefix(filter, "default:")))
				found = true
			}
		case !found:
			// 其余过滤器要求变量已定义
		case filter == "upper":
			value = strings.ToUpper(toString(value))
		case filter == "lower":
			value = strings.ToLower(toString(value))
		case filter == "trim":
			value = strings.TrimSpace(toString(value))
		case filter == "quote":
			value = shellQuote(toString(value))
		case filter == "json":
			b, err := json.Marshal(value)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindTemplateError, "json 过滤器序列化失败", err)
			}
			value = string(b)
		default:
			return nil, apperrors.TemplateError(fmt.Sprintf("未知的过滤器 %q", filter))
		}
	}

	if !found {
		return nil, apperrors.TemplateError(fmt.Sprintf("变量 %q 未定义", varPath))
	}
	return value, nil
}

func unquote(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}

// shellQuote POSIX 单引号转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// toString 将值转换为字符串
func toString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case []string:
		return strings.Join(v, ",")
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = toString(item)
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		b, _ := json.Marshal(v)
		return string(b)
	case float64:
		// JSON 数字默认解析为 float64，整数值不带小数点
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
