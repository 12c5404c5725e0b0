package core

// UserInfo is the payload of a user item.
// Password holds the encrypted secret and never leaves the server.
type UserInfo struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	Authority  Authority `json:"authority" yaml:"authority"`
	Password   string    `json:"-" yaml:"password,omitempty"`
	Banned     bool      `json:"banned,omitempty" yaml:"banned,omitempty"`
	BanComment string    `json:"ban_comment,omitempty" yaml:"ban_comment,omitempty"`
}

// TypeMember is one enumerator of a type.
type TypeMember struct {
	Name    string `json:"name" yaml:"name"`
	Value   int64  `json:"value" yaml:"value"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// TypeInfo is the payload of a type item.
type TypeInfo struct {
	IsFlag  bool         `json:"is_flag,omitempty" yaml:"is_flag,omitempty"`
	Comment string       `json:"comment,omitempty" yaml:"comment,omitempty"`
	Members []TypeMember `json:"members,omitempty" yaml:"members,omitempty"`
}

// Column is one column of a table template.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"data_type" yaml:"data_type"`
	IsKey    bool   `json:"is_key,omitempty" yaml:"is_key,omitempty"`
	Comment  string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Row is a keyed record. Field values are opaque strings.
type Row struct {
	Key    string            `json:"key" yaml:"key"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Clone returns a deep copy.
func (r Row) Clone() Row {
	c := Row{Key: r.Key}
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// TableInfo is the payload of a table item: its template and its content.
type TableInfo struct {
	Comment string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	Columns []Column `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows    []Row    `json:"rows,omitempty" yaml:"rows,omitempty"`
}

// Clone returns a deep copy.
func (t TypeInfo) Clone() TypeInfo {
	c := t
	c.Members = append([]TypeMember(nil), t.Members...)
	return c
}

// Clone returns a deep copy.
func (t TableInfo) Clone() TableInfo {
	c := t
	c.Columns = append([]Column(nil), t.Columns...)
	c.Rows = nil
	for _, r := range t.Rows {
		c.Rows = append(c.Rows, r.Clone())
	}
	return c
}

// DataBaseInfo describes one data base of the host.
type DataBaseInfo struct {
	Name    string     `json:"name" yaml:"name"`
	Comment string     `json:"comment,omitempty" yaml:"comment,omitempty"`
	Loaded  bool       `json:"loaded,omitempty" yaml:"-"`
	Lock    LockInfo   `json:"lock" yaml:"lock,omitempty"`
	Access  AccessInfo `json:"access" yaml:"access,omitempty"`
	// Users lists the user ids that have entered the data base.
	Users    []string `json:"users,omitempty" yaml:"-"`
	Revision string   `json:"revision,omitempty" yaml:"-"`
}

// Clone returns a deep copy.
func (d DataBaseInfo) Clone() DataBaseInfo {
	c := d
	c.Access = d.Access.Clone()
	c.Users = append([]string(nil), d.Users...)
	return c
}
