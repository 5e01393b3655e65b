package models

import "time"

// Alert 已归一化的告警，由告警接入方提供，不落库
type Alert struct {
	ID              string            `json:"id"`
	Name            string            `json:"name" binding:"required"`
	Severity        string            `json:"severity"`
	Instance        string            `json:"instance"`
	Job             string            `json:"job"`
	Labels          map[string]string `json:"labels"`
	Annotations     map[string]string `json:"annotations"`
	FirstSeen       time.Time         `json:"first_seen"`
	OccurrenceCount int               `json:"occurrence_count"`
	ServerID        string            `json:"server_id"`
}

// TemplateContext 模板中可引用的告警字段
func (a *Alert) TemplateContext() map[string]interface{} {
	labels := make(map[string]interface{}, len(a.Labels))
	for k, v := range a.Labels {
		labels[k] = v
	}
	annotations := make(map[string]interface{}, len(a.Annotations))
	for k, v := range a.Annotations {
		annotations[k] = v
	}
	return map[string]interface{}{
		"id":          a.ID,
		"name":        a.Name,
		"severity":    a.Severity,
		"instance":    a.Instance,
		"job":         a.Job,
		"labels":      labels,
		"annotations": annotations,
	}
}
