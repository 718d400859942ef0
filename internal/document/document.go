package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoPages     = errors.New("文档目录中没有页面图片")
	ErrPageMissing = errors.New("页码超出文档范围")
)

// Page 一页渲染后的图片，ImageURL 为 data URL
type Page struct {
	Number   int    `json:"number"`
	ImageURL string `json:"-"`
}

// Source 页面来源，页码从 1 开始
type Source interface {
	PageCount() int
	Pages(ctx context.Context, numbers []int) ([]Page, error)
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

var digits = regexp.MustCompile(`\d+`)

// DirSource 从目录读取已渲染的页面图片（page-001.png, page-002.png ...）
type DirSource struct {
	dir   string
	files []string
}

// NewDirSource 扫描目录，按文件名中的最后一组数字排序
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取页面目录失败: %w", err)
	}

	type numbered struct {
		name string
		n    int
	}
	var list []numbered
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageTypes[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		n := -1
		if all := digits.FindAllString(e.Name(), -1); len(all) > 0 {
			n, _ = strconv.Atoi(all[len(all)-1])
		}
		list = append(list, numbered{name: e.Name(), n: n})
	}
	if len(list) == 0 {
		return nil, ErrNoPages
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n < list[j].n
		}
		return list[i].name < list[j].name
	})

	s := &DirSource{dir: dir}
	for _, f := range list {
		s.files = append(s.files, f.name)
	}
	return s, nil
}

// PageCount 页数
func (s *DirSource) PageCount() int {
	return len(s.files)
}

// Pages 读取指定页并编码为 data URL
func (s *DirSource) Pages(ctx context.Context, numbers []int) ([]Page, error) {
	pages := make([]Page, 0, len(numbers))
	for _, n := range numbers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n < 1 || n > len(s.files) {
			return nil, fmt.Errorf("%w: %d/%d", ErrPageMissing, n, len(s.files))
		}
		name := s.files[n-1]
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("读取第 %d 页失败: %w", n, err)
		}
		pages = append(pages, Page{Number: n, ImageURL: DataURL(name, data)})
	}
	return pages, nil
}

// DataURL 按扩展名推断 MIME 类型
func DataURL(name string, data []byte) string {
	mime, ok := imageTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Expand 将闭区间展开为页码列表，去重并排序
func Expand(ranges [][2]int, limit int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range ranges {
		for p := max(r[0], 1); p <= r[1] && (limit <= 0 || p <= limit); p++ {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}

// SourcePDF 文档目录中可选的原始 PDF
const SourcePDF = "source.pdf"

// ErrInvalidDocumentID 文档 ID 含路径分隔符等非法字符
var ErrInvalidDocumentID = errors.New("非法的文档 ID")

// Store 按文档 ID 定位页面目录 <root>/<documentID>/
type Store struct {
	root string
}

// NewStore 创建文档存储
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) dir(documentID string) (string, error) {
	if documentID == "" || documentID == "." || documentID == ".." ||
		strings.ContainsAny(documentID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return filepath.Join(s.root, documentID), nil
}

// Open 打开文档的页面来源
func (s *Store) Open(_ context.Context, documentID string) (Source, error) {
	dir, err := s.dir(documentID)
	if err != nil {
		return nil, err
	}
	return NewDirSource(dir)
}

// PDF 打开文档目录中的 source.pdf，不存在时返回的错误满足 errors.Is(err, os.ErrNotExist)
func (s *Store) PDF(documentID string) (*PDFInfo, error) {
	dir, err := s.dir(documentID)
	if err != nil {
		return nil, err
	}
	return OpenPDF(filepath.Join(dir, SourcePDF))
}
