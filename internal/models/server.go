package models

// Server 目标服务器；凭证只保存引用，不保存明文
type Server struct {
	BaseModel
	Name          string   `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Hostname      string   `gorm:"size:255;not null" json:"hostname"`
	Port          int      `gorm:"default:22" json:"port"`
	OSType        string   `gorm:"size:20;not null" json:"os_type"`
	Username      string   `gorm:"size:100" json:"username"`
	CredentialRef string   `gorm:"size:100" json:"credential_ref"`
	Environment   string   `gorm:"size:50;index" json:"environment"`
	Tags          []string `gorm:"type:jsonb;serializer:json" json:"tags"`
	Enabled       bool     `gorm:"index" json:"enabled"`
}

// TableName 指定表名
func (Server) TableName() string {
	return "servers"
}
