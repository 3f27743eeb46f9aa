package db

type Project struct {
	ProjectID string `gorm:"column:project_id;primaryKey"`
	Name      string `gorm:"column:name;not null;default:''"`
	OwnerID   string `gorm:"column:owner_id;not null;default:'';index"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (Project) TableName() string { return "projects" }

type Session struct {
	SessionID string `gorm:"column:session_id;primaryKey"`
	ProjectID string `gorm:"column:project_id;not null;index"`
	OwnerID   string `gorm:"column:owner_id;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (Session) TableName() string { return "sessions" }

type File struct {
	FileID    string `gorm:"column:file_id;primaryKey"`
	ProjectID string `gorm:"column:project_id;not null;index"`
	Name      string `gorm:"column:name;not null;default:''"`
	Content   string `gorm:"column:content;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (File) TableName() string { return "files" }
