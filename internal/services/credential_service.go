package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"arp/internal/models"
	"arp/pkg/config"
	"arp/pkg/connector"
)

// CredentialResolver 将服务器的 credential_ref 解析为连接凭证
//
// 查找顺序：
//  1. 私钥文件 <SSH_KEY_DIR>/<ref>
//  2. 环境变量 CREDENTIAL_<REF>_KEY（私钥内容）
//  3. 环境变量 CREDENTIAL_<REF>_PASSWORD
//
// 明文凭证只存在于内存中，不落库。
type CredentialResolver struct {
	keyDir      string
	defaultUser string
	defaultPort int
	getenv      func(string) string
	readFile    func(string) ([]byte, error)
}

// NewCredentialResolver 创建凭证解析器
func NewCredentialResolver(cfg config.SSHConfig) *CredentialResolver {
	return &CredentialResolver{
		keyDir:      cfg.KeyDir,
		defaultUser: cfg.DefaultUser,
		defaultPort: cfg.DefaultPort,
		getenv:      os.Getenv,
		readFile:    os.ReadFile,
	}
}

// Resolve 生成远程执行目标
func (r *CredentialResolver) Resolve(server *models.Server) (connector.Target, error) {
	target := connector.Target{
		Host:     server.Hostname,
		Port:     server.Port,
		Username: server.Username,
		OSType:   server.OSType,
	}
	if target.Port == 0 {
		target.Port = r.defaultPort
	}
	if target.Username == "" {
		target.Username = r.defaultUser
	}

	ref := server.CredentialRef
	if ref == "" {
		return target, fmt.Errorf("服务器 %s 未配置凭证引用", server.Name)
	}
	if strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return target, fmt.Errorf("凭证引用 %q 非法", ref)
	}

	if r.keyDir != "" {
		if data, err := r.readFile(filepath.Join(r.keyDir, ref)); err == nil {
			target.KeyData = string(data)
			return target, nil
		}
	}

	envKey := credentialEnvName(ref)
	if key := r.getenv(envKey + "_KEY"); key != "" {
		target.KeyData = key
		return target, nil
	}
	if password := r.getenv(envKey + "_PASSWORD"); password != "" {
		target.Password = password
		return target, nil
	}
	return target, fmt.Errorf("未找到凭证 %q", ref)
}

// credentialEnvName prod-db.key -> CREDENTIAL_PROD_DB_KEY
func credentialEnvName(ref string) string {
	var b strings.Builder
	b.WriteString("CREDENTIAL_")
	for _, c := range strings.ToUpper(ref) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
