package flash

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalogue.yaml
var catalogueYAML []byte

// DataPartitionPolicy decides whether a data partition may be created on
// top of an OS family's layout.
type DataPartitionPolicy string

const (
	// DataPartitionAllowed means the installer may add a data partition.
	DataPartitionAllowed DataPartitionPolicy = "allowed"

	// DataPartitionForbidden means the upstream image ships a fixed
	// partition layout that must not be altered.
	DataPartitionForbidden DataPartitionPolicy = "forbidden"
)

// OsFamily describes one supported OS and its image layout rules.
type OsFamily struct {
	Name    string `yaml:"name"`
	Display string `yaml:"display"`

	// ImageLayout is "installer" for images whose content is copied
	// partition by partition, or "full-disk" for images flashed raw.
	ImageLayout string `yaml:"image_layout"`

	DataPartition DataPartitionPolicy `yaml:"data_partition"`
	MinDiskGiB    int                 `yaml:"min_disk_gib"`

	// RootSubvolumes lists the btrfs subvolumes the family's images may
	// carry under the root partition.
	RootSubvolumes []string `yaml:"root_subvolumes"`
}

type catalogue struct {
	Families []OsFamily `yaml:"families"`
}

var (
	catalogueOnce   sync.Once
	loadedCatalogue catalogue
	catalogueErr    error
)

func loadCatalogue() (catalogue, error) {
	catalogueOnce.Do(func() {
		catalogueErr = yaml.Unmarshal(catalogueYAML, &loadedCatalogue)
	})
	return loadedCatalogue, catalogueErr
}

// LookupFamily finds an OS family by name, case-insensitively.
func LookupFamily(name string) (OsFamily, error) {
	cat, err := loadCatalogue()
	if err != nil {
		return OsFamily{}, fmt.Errorf("parse OS catalogue: %w", err)
	}
	for _, fam := range cat.Families {
		if strings.EqualFold(fam.Name, name) {
			return fam, nil
		}
	}
	return OsFamily{}, fmt.Errorf("unknown OS family %q", name)
}

// Families returns every catalogued OS family.
func Families() ([]OsFamily, error) {
	cat, err := loadCatalogue()
	if err != nil {
		return nil, fmt.Errorf("parse OS catalogue: %w", err)
	}
	return cat.Families, nil
}

// DataPartitionPolicyFor returns the family's policy, defaulting to
// forbidden for unknown families so an unrecognized image is never
// repartitioned.
func DataPartitionPolicyFor(family string) DataPartitionPolicy {
	fam, err := LookupFamily(family)
	if err != nil {
		return DataPartitionForbidden
	}
	return fam.DataPartition
}
